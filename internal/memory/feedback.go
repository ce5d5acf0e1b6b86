package memory

// FeedbackInput describes how the user treated a set of candidates.
type FeedbackInput struct {
	SelectedIndex       int
	CandidateCount      int
	EditDistance        float64
	AcceptedWithoutEdit bool
	UndoAfterAccept     bool
	RepeatedSceneCount  int
}

// Feedback is the classifier output.
type Feedback struct {
	Signal ImplicitSignal `json:"signal"`
	Weight float64        `json:"weight"`
}

const (
	lightEditCeiling  = 0.2
	heavyRewriteFloor = 0.6
	repeatedSceneUnit = 0.15
)

var signalWeights = map[ImplicitSignal]float64{
	SignalDirectAccept:    1,
	SignalLightEdit:       0.45,
	SignalHeavyRewrite:    -0.45,
	SignalFullReject:      -0.8,
	SignalUndoAfterAccept: -1,
}

// SignalWeight returns the canonical weight of s. Repeated-scene weights
// scale with the repeat count and are not covered here.
func SignalWeight(s ImplicitSignal) float64 {
	return signalWeights[s]
}

// ResolveImplicitFeedback classifies edit behavior. The first matching rule wins.
func ResolveImplicitFeedback(in FeedbackInput) Feedback {
	d := in.EditDistance
	repeated := in.RepeatedSceneCount > 0

	switch {
	case in.UndoAfterAccept:
		return feedback(SignalUndoAfterAccept)
	case in.SelectedIndex < 0 || in.CandidateCount <= 0:
		return feedback(SignalFullReject)
	case repeated && d >= lightEditCeiling && d <= heavyRewriteFloor:
		return repeatedScene(in.RepeatedSceneCount)
	case in.AcceptedWithoutEdit || d == 0:
		return feedback(SignalDirectAccept)
	case d < lightEditCeiling:
		return feedback(SignalLightEdit)
	case d > heavyRewriteFloor:
		return feedback(SignalHeavyRewrite)
	case repeated:
		return repeatedScene(in.RepeatedSceneCount)
	default:
		return feedback(SignalLightEdit)
	}
}

func feedback(s ImplicitSignal) Feedback {
	return Feedback{Signal: s, Weight: signalWeights[s]}
}

func repeatedScene(count int) Feedback {
	return Feedback{Signal: SignalRepeatedSceneSkill, Weight: repeatedSceneUnit * float64(count)}
}
