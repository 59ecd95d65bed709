package domain

import (
	"time"
)

// Learner represents a learner and their persisted onboarding choices.
type Learner struct {
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Theme            string    `json:"theme,omitempty"`
	LearningPath     string    `json:"learning_path,omitempty"`
	RecommendedLevel string    `json:"recommended_level,omitempty"`
	DiagnosticJSON   string    `json:"-"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCompletedDiagnostic returns true once a diagnostic result has been stored.
func (l *Learner) HasCompletedDiagnostic() bool {
	return l.DiagnosticJSON != ""
}

// ReadyForLesson returns true when onboarding supplied everything a
// session-start configuration needs.
func (l *Learner) ReadyForLesson() bool {
	return l.Name != "" && l.Theme != "" && l.LearningPath != ""
}
