// Package domain contains core domain types for the MathIA front end.
package domain

// Action classifies what an agent output represents.
type Action string

const (
	// ActionStep is an ordinary curriculum step.
	ActionStep Action = "step"
	// ActionTopicChange indicates the agent moved to a new topic.
	ActionTopicChange Action = "topic_change"
	// ActionEvaluation is the verdict on a just-submitted answer.
	ActionEvaluation Action = "evaluation_result"
)

// Verdict is the agent's judgement of a learner answer.
type Verdict string

const (
	VerdictCorrect              Verdict = "correct"
	VerdictIncorrectConceptual  Verdict = "incorrect_conceptual"
	VerdictIncorrectCalculation Verdict = "incorrect_calculation"
	VerdictUnclear              Verdict = "unclear"
)

// AgentOutput is one unit of tutor-generated content to present to the learner.
// Exactly one output is "current" at a time; a new one replaces the previous
// one atomically from the UI's perspective.
type AgentOutput struct {
	Text          string         `json:"text"`
	ImageURL      string         `json:"image_url,omitempty"`
	AudioURL      string         `json:"audio_url,omitempty"`
	RequiresInput bool           `json:"requires_input"`
	Evaluation    Verdict        `json:"evaluation,omitempty"`
	IsFinalStep   bool           `json:"is_final_step"`
	Action        Action         `json:"action,omitempty"`
	Metadata      map[string]any `json:"state_metadata,omitempty"`
}

// IsEvaluation reports whether this output is the verdict on a submitted
// answer rather than a regular step.
func (o *AgentOutput) IsEvaluation() bool {
	return o.Action == ActionEvaluation || o.Evaluation != ""
}

// Mastery extracts the mastery estimate from the metadata bag, if present.
// Backends deliver it as a JSON number under "mastery" (decoded as float64).
func (o *AgentOutput) Mastery() (float64, bool) {
	if o.Metadata == nil {
		return 0, false
	}
	v, ok := o.Metadata["mastery"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return clampMastery(n), true
	case int:
		return clampMastery(float64(n)), true
	default:
		return 0, false
	}
}

func clampMastery(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
