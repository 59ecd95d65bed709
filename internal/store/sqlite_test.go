package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "mathia.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestLearnerRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	learner := &domain.Learner{
		UserID:       "anon_1",
		Name:         "Sofia",
		Theme:        "space",
		LearningPath: "fractions",
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.UpsertLearner(ctx, learner); err != nil {
		t.Fatalf("UpsertLearner failed: %v", err)
	}

	got, err := repo.GetLearner(ctx, "anon_1")
	if err != nil {
		t.Fatalf("GetLearner failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected learner, got nil")
	}
	if got.Name != "Sofia" || got.Theme != "space" || got.LearningPath != "fractions" {
		t.Fatalf("unexpected learner: %+v", got)
	}
}

func TestGetLearnerMissingReturnsNil(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	got, err := repo.GetLearner(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetLearner failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing learner, got %+v", got)
	}
}

func TestUpsertDoesNotEraseExistingFields(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := repo.UpsertLearner(ctx, &domain.Learner{
		UserID: "anon_2", Name: "Leo", LastSeenAt: now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// Onboarding saves the theme on a later screen, with no name field.
	if err := repo.UpsertLearner(ctx, &domain.Learner{
		UserID: "anon_2", Theme: "jungle", LastSeenAt: now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := repo.GetLearner(ctx, "anon_2")
	if err != nil {
		t.Fatalf("GetLearner failed: %v", err)
	}
	if got.Name != "Leo" || got.Theme != "jungle" {
		t.Fatalf("expected merged record, got %+v", got)
	}
}

func TestSaveDiagnostic(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := repo.UpsertLearner(ctx, &domain.Learner{
		UserID: "anon_3", Name: "Mia", LastSeenAt: now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	raw := `[{"questionId":"q1","correct":true}]`
	if err := repo.SaveDiagnostic(ctx, "anon_3", raw, "intermediate"); err != nil {
		t.Fatalf("SaveDiagnostic failed: %v", err)
	}

	got, err := repo.GetLearner(ctx, "anon_3")
	if err != nil {
		t.Fatalf("GetLearner failed: %v", err)
	}
	if got.DiagnosticJSON != raw || got.RecommendedLevel != "intermediate" {
		t.Fatalf("unexpected diagnostic state: %+v", got)
	}
	if !got.HasCompletedDiagnostic() {
		t.Fatal("expected HasCompletedDiagnostic to be true")
	}

	if err := repo.SaveDiagnostic(ctx, "missing", raw, "beginner"); err == nil {
		t.Fatal("expected error for unknown learner")
	}
}
