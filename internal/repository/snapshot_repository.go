package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

const insertHistoryQuery = `INSERT INTO academic_history (id, user_id, domain, subject_key, subject, change_type, before_values, after_values, significant, outcome, observed_at)
VALUES (:id, :user_id, :domain, :subject_key, :subject, :change_type, :before_values, :after_values, :significant, :outcome, :observed_at)`

// SnapshotRepository persists the last known state per user and domain.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository constructs the repository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Get returns the stored snapshot or appErrors.ErrNotFound when the user was never observed.
func (r *SnapshotRepository) Get(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error) {
	const query = `SELECT user_id, domain, raw_state, state_hash, last_change_at, created_at, updated_at
FROM academic_snapshots WHERE user_id = $1 AND domain = $2`
	var snapshot models.Snapshot
	if err := r.db.GetContext(ctx, &snapshot, query, userID, domain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot %s/%s: %w", domain, userID, err)
	}
	return &snapshot, nil
}

// Commit records the history rows and replaces the snapshot in a single
// transaction. Raw state and hash are written together; on failure the
// previous snapshot stays intact.
func (r *SnapshotRepository) Commit(ctx context.Context, snapshot *models.Snapshot, history []models.HistoryEntry) error {
	now := time.Now().UTC()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	if snapshot.LastChangeAt.IsZero() {
		snapshot.LastChangeAt = now
	}
	snapshot.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range history {
		entry := &history[i]
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.ObservedAt.IsZero() {
			entry.ObservedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, insertHistoryQuery, entry); err != nil {
			return fmt.Errorf("insert history %s: %w", entry.SubjectKey, err)
		}
	}

	const upsert = `INSERT INTO academic_snapshots (user_id, domain, raw_state, state_hash, last_change_at, created_at, updated_at)
VALUES (:user_id, :domain, :raw_state, :state_hash, :last_change_at, :created_at, :updated_at)
ON CONFLICT (user_id, domain)
DO UPDATE SET raw_state = EXCLUDED.raw_state, state_hash = EXCLUDED.state_hash,
              last_change_at = EXCLUDED.last_change_at, updated_at = EXCLUDED.updated_at`
	if _, err := tx.NamedExecContext(ctx, upsert, snapshot); err != nil {
		return fmt.Errorf("upsert snapshot %s/%s: %w", snapshot.Domain, snapshot.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// Ping checks database connectivity for readiness probes.
func (r *SnapshotRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
