package memory

import (
	"math"
	"testing"
)

func TestResolveImplicitFeedback(t *testing.T) {
	tests := []struct {
		name   string
		in     FeedbackInput
		signal ImplicitSignal
		weight float64
	}{
		{
			name:   "undo wins over direct accept",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 3, EditDistance: 0, UndoAfterAccept: true},
			signal: SignalUndoAfterAccept, weight: -1,
		},
		{
			name:   "no selection",
			in:     FeedbackInput{SelectedIndex: -1, CandidateCount: 3, EditDistance: 0},
			signal: SignalFullReject, weight: -0.8,
		},
		{
			name:   "no candidates",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 0},
			signal: SignalFullReject, weight: -0.8,
		},
		{
			name:   "repeated scene with moderate edit",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 2, EditDistance: 0.4, RepeatedSceneCount: 3},
			signal: SignalRepeatedSceneSkill, weight: 0.45,
		},
		{
			name:   "repeated scene at lower boundary",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 2, EditDistance: 0.2, RepeatedSceneCount: 1},
			signal: SignalRepeatedSceneSkill, weight: 0.15,
		},
		{
			name:   "accepted without edit flag",
			in:     FeedbackInput{SelectedIndex: 1, CandidateCount: 2, EditDistance: 0.5, AcceptedWithoutEdit: true},
			signal: SignalDirectAccept, weight: 1,
		},
		{
			name:   "zero edit distance",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 1},
			signal: SignalDirectAccept, weight: 1,
		},
		{
			name:   "light edit",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 3, EditDistance: 0.15},
			signal: SignalLightEdit, weight: 0.45,
		},
		{
			name:   "light edit even when repeated below window",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 3, EditDistance: 0.1, RepeatedSceneCount: 2},
			signal: SignalLightEdit, weight: 0.45,
		},
		{
			name:   "heavy rewrite",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 3, EditDistance: 0.9},
			signal: SignalHeavyRewrite, weight: -0.45,
		},
		{
			name:   "moderate edit falls back to light edit",
			in:     FeedbackInput{SelectedIndex: 0, CandidateCount: 3, EditDistance: 0.4},
			signal: SignalLightEdit, weight: 0.45,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveImplicitFeedback(tt.in)
			if got.Signal != tt.signal {
				t.Errorf("signal = %s, want %s", got.Signal, tt.signal)
			}
			if math.Abs(got.Weight-tt.weight) > 1e-9 {
				t.Errorf("weight = %v, want %v", got.Weight, tt.weight)
			}
			if !got.Signal.Valid() {
				t.Errorf("signal %s not valid", got.Signal)
			}
		})
	}
}
