// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
)

// Repository defines the interface for persisting learner onboarding state.
type Repository interface {
	// GetLearner retrieves a learner by their user ID.
	GetLearner(ctx context.Context, userID string) (*domain.Learner, error)

	// UpsertLearner creates or updates a learner record.
	UpsertLearner(ctx context.Context, learner *domain.Learner) error

	// UpdateLastSeen updates the last_seen_at timestamp for a learner.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveDiagnostic stores the raw diagnostic results and the recommended
	// level derived from them.
	SaveDiagnostic(ctx context.Context, userID, diagnosticJSON, recommendedLevel string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
