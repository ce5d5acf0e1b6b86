package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QUILL_DB", filepath.Join(dir, "quill.db"))
	t.Setenv("ANTHROPIC_API_KEY", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "missing.toml")}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

// runSession runs several commands against one database.
func runSession(t *testing.T, cmds ...[]string) []string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QUILL_DB", filepath.Join(dir, "quill.db"))
	t.Setenv("ANTHROPIC_API_KEY", "")

	var outputs []string
	for _, args := range cmds {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "missing.toml")}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("quill %s: %v", strings.Join(args, " "), err)
		}
		outputs = append(outputs, out.String())
	}
	return outputs
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "quill dev") {
		t.Errorf("output = %q", out)
	}
}

func TestRulesAddAndList(t *testing.T) {
	outs := runSession(t,
		[]string{"rules", "add", "novel-1", "--category", "pacing", "动作场景偏好短句"},
		[]string{"rules", "list", "novel-1"},
		[]string{"stats", "novel-1"},
	)
	if !strings.HasPrefix(outs[0], "added ") {
		t.Errorf("add output = %q", outs[0])
	}
	if !strings.Contains(outs[1], "动作场景偏好短句") || !strings.Contains(outs[1], "project/pacing") || !strings.Contains(outs[1], "confirmed") {
		t.Errorf("list output = %q", outs[1])
	}
	if !strings.Contains(outs[2], "0 active, 0 compressed") || !strings.Contains(outs[2], "rules:      1") {
		t.Errorf("stats output = %q", outs[2])
	}
}

func TestClearRequiresYes(t *testing.T) {
	_, err := runCLI(t, "clear", "novel-1")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("err = %v", err)
	}

	out, err := runCLI(t, "clear", "novel-1", "--yes")
	if err != nil {
		t.Fatalf("clear --yes: %v", err)
	}
	if !strings.Contains(out, "cleared 0 episodes") {
		t.Errorf("output = %q", out)
	}
}

func TestMaintainDecay(t *testing.T) {
	out, err := runCLI(t, "maintain", "decay")
	if err != nil {
		t.Fatalf("maintain decay: %v", err)
	}
	if !strings.HasPrefix(out, "decay: 0 episodes updated") {
		t.Errorf("output = %q", out)
	}
}
