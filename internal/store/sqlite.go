package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jrobador/mathIA-sub000/internal/domain"
	"github.com/jrobador/mathIA-sub000/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS learners (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		theme TEXT NOT NULL DEFAULT '',
		learning_path TEXT NOT NULL DEFAULT '',
		recommended_level TEXT NOT NULL DEFAULT '',
		diagnostic_json TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_learners_last_seen ON learners(last_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetLearner retrieves a learner by their user ID.
func (s *SQLiteStore) GetLearner(ctx context.Context, userID string) (*domain.Learner, error) {
	query := `
		SELECT user_id, name, theme, learning_path, recommended_level,
		       diagnostic_json, last_seen_at, created_at, updated_at
		FROM learners WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var learner domain.Learner
	var diagnosticJSON sql.NullString
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&learner.UserID, &learner.Name, &learner.Theme,
		&learner.LearningPath, &learner.RecommendedLevel,
		&diagnosticJSON, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan learner row: %w", err)
	}

	learner.DiagnosticJSON = diagnosticJSON.String
	learner.LastSeenAt = time.Unix(lastSeen, 0)
	learner.CreatedAt = time.Unix(createdAt, 0)
	learner.UpdatedAt = time.Unix(updatedAt, 0)

	return &learner, nil
}

// UpsertLearner creates or updates a learner record. Onboarding fields only
// overwrite when the incoming value is non-empty, so saving a theme does not
// erase a previously stored name.
func (s *SQLiteStore) UpsertLearner(ctx context.Context, learner *domain.Learner) error {
	query := `
	INSERT INTO learners (user_id, name, theme, learning_path, recommended_level, diagnostic_json, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE learners.name END,
		theme = CASE WHEN excluded.theme != '' THEN excluded.theme ELSE learners.theme END,
		learning_path = CASE WHEN excluded.learning_path != '' THEN excluded.learning_path ELSE learners.learning_path END,
		recommended_level = CASE WHEN excluded.recommended_level != '' THEN excluded.recommended_level ELSE learners.recommended_level END,
		diagnostic_json = COALESCE(excluded.diagnostic_json, learners.diagnostic_json),
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var diagnosticJSON interface{}
	if learner.DiagnosticJSON != "" {
		diagnosticJSON = learner.DiagnosticJSON
	}

	return s.execWithBusyRetry(ctx, "upsert learner", func() error {
		_, err := s.db.ExecContext(ctx, query,
			learner.UserID, learner.Name, learner.Theme,
			learner.LearningPath, learner.RecommendedLevel, diagnosticJSON,
			learner.LastSeenAt.Unix(), learner.CreatedAt.Unix(), time.Now().Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a learner.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE learners SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// SaveDiagnostic stores the diagnostic results and recommended level.
func (s *SQLiteStore) SaveDiagnostic(ctx context.Context, userID, diagnosticJSON, recommendedLevel string) error {
	query := `UPDATE learners SET diagnostic_json = ?, recommended_level = ?, updated_at = ? WHERE user_id = ?`

	return s.execWithBusyRetry(ctx, "save diagnostic", func() error {
		result, err := s.db.ExecContext(ctx, query, diagnosticJSON, recommendedLevel, time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("learner not found")
		}
		return nil
	})
}

// execWithBusyRetry retries a write on SQLite concurrency errors with
// exponential backoff: 100ms, 200ms, 400ms.
func (s *SQLiteStore) execWithBusyRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite write conflicted, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
