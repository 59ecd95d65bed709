// Package diagnostic scores the onboarding placement quiz and maps the result
// to a recommended difficulty tier for session start.
package diagnostic

// Tier is a recommended starting difficulty.
type Tier string

const (
	TierInitial      Tier = "initial"
	TierBeginner     Tier = "beginner"
	TierIntermediate Tier = "intermediate"
	TierAdvanced     Tier = "advanced"
)

// Result is one answered diagnostic question.
type Result struct {
	QuestionID    string `json:"questionId"`
	Correct       bool   `json:"correct"`
	ConceptTested string `json:"conceptTested,omitempty"`
}

// Summary is the reduced outcome of a diagnostic quiz.
type Summary struct {
	Percent float64 `json:"percent"`
	Correct int     `json:"correct"`
	Total   int     `json:"total"`
	Tier    Tier    `json:"tier"`
}

// Score reduces an ordered list of results to a percentage and tier. An empty
// quiz scores 0% at the initial tier.
func Score(results []Result) Summary {
	total := len(results)
	if total == 0 {
		return Summary{Tier: TierInitial}
	}

	correct := 0
	for _, r := range results {
		if r.Correct {
			correct++
		}
	}

	percent := 100 * float64(correct) / float64(total)
	return Summary{
		Percent: percent,
		Correct: correct,
		Total:   total,
		Tier:    tierFor(percent),
	}
}

func tierFor(percent float64) Tier {
	switch {
	case percent >= 80:
		return TierAdvanced
	case percent >= 50:
		return TierIntermediate
	case percent >= 30:
		return TierBeginner
	default:
		return TierInitial
	}
}
