package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/quill/internal/engine"
	"github.com/lazypower/quill/internal/memory"
)

// withApp runs fn against a freshly opened app with a bounded context.
func withApp(timeout time.Duration, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, a)
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats <project>",
	Short: "Show memory counts and flags for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			st, err := a.engine.Stats(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "## %s\n\n", st.ProjectID)
			fmt.Fprintf(out, "  episodes:   %d active, %d compressed\n", st.ActiveEpisodes, st.CompressedEpisodes)
			fmt.Fprintf(out, "  rules:      %d (%d conflicts)\n", st.Rules, st.Conflicts)
			fmt.Fprintf(out, "  pending:    %d\n", st.PendingEpisodes)
			fmt.Fprintf(out, "  retry:      %d\n", st.RetryQueue)
			fmt.Fprintf(out, "  degraded:   %v\n", st.DistillDegraded)
			return nil
		})
	},
}

// --- recall command ---

var (
	recallScene string
	recallLimit int
)

var recallCmd = &cobra.Command{
	Use:   "recall <project> [query]",
	Short: "Recall episodes for a scene",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			res, err := a.engine.QueryEpisodes(ctx, engine.QueryInput{
				ProjectID: args[0],
				SceneType: recallScene,
				QueryText: strings.Join(args[1:], " "),
				Limit:     recallLimit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(res.Items) == 0 {
				fmt.Fprintln(out, "No episodes found.")
			}
			for i, ep := range res.Items {
				fmt.Fprintf(out, "%d. [%s] %s\n", i+1, ep.ImplicitSignal, ep.ID)
				fmt.Fprintf(out, "   %s\n", memory.Truncate(ep.FinalText, 200))
			}
			if len(res.SemanticRules) > 0 {
				fmt.Fprintln(out, "\n## Rules")
				for _, r := range res.SemanticRules {
					fmt.Fprintf(out, "- [%s %.2f] %s\n", r.Category, r.Confidence, r.Rule)
				}
			}
			if res.MemoryDegraded {
				fmt.Fprintln(out, "\n## Fallback")
				for _, r := range res.FallbackRules {
					fmt.Fprintf(out, "- %s\n", r)
				}
			}
			return nil
		})
	},
}

// --- maintain command ---

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run maintenance triggers by hand",
}

var maintainDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Recompute decay scores for every project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(5*time.Minute, func(ctx context.Context, a *app) error {
			res, err := a.engine.DailyDecayRecomputeTrigger(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decay: %d episodes updated, %d rules decayed\n", res.Updated, res.RulesDecayed)
			return nil
		})
	},
}

var maintainEvictCmd = &cobra.Command{
	Use:   "evict <project>",
	Short: "Delete expired and overflow episodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(5*time.Minute, func(ctx context.Context, a *app) error {
			res, err := a.engine.RealtimeEvictionTrigger(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evict: %d episodes deleted\n", res.Deleted)
			return nil
		})
	},
}

var maintainCompressCmd = &cobra.Command{
	Use:   "compress <project>",
	Short: "Compress old episodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(5*time.Minute, func(ctx context.Context, a *app) error {
			res, err := a.engine.WeeklyCompressTrigger(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compress: %d compressed, %d purged\n", res.Compressed, res.Purged)
			return nil
		})
	},
}

var maintainPurgeCmd = &cobra.Command{
	Use:   "purge <project>",
	Short: "Purge expired and overflow compressed episodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(5*time.Minute, func(ctx context.Context, a *app) error {
			res, err := a.engine.MonthlyPurgeTrigger(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purge: %d episodes deleted\n", res.Deleted)
			return nil
		})
	},
}

// --- rules command ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and edit semantic rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List rules visible to a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			list, err := a.engine.ListSemanticMemory(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list.Items) == 0 {
				fmt.Fprintln(out, "No rules yet. Record some episodes and run distill.")
				return nil
			}
			for _, r := range list.Items {
				flags := ""
				if r.UserConfirmed {
					flags += " confirmed"
				}
				if r.ConflictMarked {
					flags += " conflict"
				}
				fmt.Fprintf(out, "%s [%s/%s %.2f%s]\n   %s\n", r.ID, r.Scope, r.Category, r.Confidence, flags, r.Rule)
			}
			return nil
		})
	},
}

var (
	ruleCategory   string
	ruleConfidence float64
	ruleGlobal     bool
	ruleConfirmed  bool
)

var rulesAddCmd = &cobra.Command{
	Use:   "add <project> <rule text>",
	Short: "Add a user-authored rule",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := memory.ScopeProject
		if ruleGlobal {
			scope = memory.ScopeGlobal
		}
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			res, err := a.engine.AddSemanticMemory(ctx, engine.AddRuleInput{
				ProjectID:     args[0],
				Rule:          strings.Join(args[1:], " "),
				Category:      ruleCategory,
				Confidence:    ruleConfidence,
				Scope:         scope,
				UserConfirmed: ruleConfirmed,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", res.Item.ID)
			return nil
		})
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <project> <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			if _, err := a.engine.DeleteSemanticMemory(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
			return nil
		})
	},
}

var rulesPromoteCmd = &cobra.Command{
	Use:   "promote <project> <rule-id>",
	Short: "Promote a project rule to global scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(30*time.Second, func(ctx context.Context, a *app) error {
			if _, err := a.engine.PromoteSemanticMemory(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %s\n", args[1])
			return nil
		})
	},
}

// --- distill command ---

var distillTrigger string

var distillCmd = &cobra.Command{
	Use:   "distill <project>",
	Short: "Distill semantic rules from recent episodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(5*time.Minute, func(ctx context.Context, a *app) error {
			res, err := a.engine.DistillSemanticMemory(ctx, args[0], engine.Trigger(distillTrigger))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "distill %s: %d generated, %d inserted, %d updated, %d refreshed, %d conflicts\n",
				res.RunID, res.Generated, res.Inserted, res.Updated, res.Refreshed, res.Conflicts)
			return nil
		})
	},
}

// --- clear command ---

var (
	clearYes bool
	clearAll bool
)

var clearCmd = &cobra.Command{
	Use:   "clear [project]",
	Short: "Delete memory for a project, or everything with --all",
	Long:  "Delete episodes and rules. User-confirmed records are kept. Requires --yes.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearAll && len(args) == 0 {
			return fmt.Errorf("clear needs a project or --all")
		}
		return withApp(time.Minute, func(ctx context.Context, a *app) error {
			var res engine.ClearResult
			var err error
			if clearAll {
				res, err = a.engine.ClearAllMemory(ctx, clearYes)
			} else {
				res, err = a.engine.ClearProjectMemory(ctx, args[0], clearYes)
			}
			if memory.CodeOf(err) == memory.CodeClearConfirmRequired {
				return fmt.Errorf("refusing to clear memory without --yes")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d episodes, %d rules\n", res.Episodes, res.Rules)
			return nil
		})
	},
}

func init() {
	recallCmd.Flags().StringVarP(&recallScene, "scene", "s", "", "Scene type to recall (required)")
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 0, "Maximum number of episodes")
	recallCmd.MarkFlagRequired("scene")

	maintainCmd.AddCommand(maintainDecayCmd)
	maintainCmd.AddCommand(maintainEvictCmd)
	maintainCmd.AddCommand(maintainCompressCmd)
	maintainCmd.AddCommand(maintainPurgeCmd)

	rulesAddCmd.Flags().StringVarP(&ruleCategory, "category", "c", memory.CategoryStyle, "Rule category")
	rulesAddCmd.Flags().Float64Var(&ruleConfidence, "confidence", 0.8, "Rule confidence in [0,1]")
	rulesAddCmd.Flags().BoolVar(&ruleGlobal, "global", false, "Apply the rule to every project")
	rulesAddCmd.Flags().BoolVar(&ruleConfirmed, "confirmed", true, "Mark the rule user-confirmed")
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesPromoteCmd)

	distillCmd.Flags().StringVar(&distillTrigger, "trigger", string(engine.TriggerManual), "Trigger recorded for the run")

	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Confirm the deletion")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every project")
}
