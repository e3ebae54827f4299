package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campuswatch/internal/models"
)

const defaultHistoryLimit = 50

// HistoryRepository reads the per-subject audit trail written alongside snapshots.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs the repository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// List returns the newest history entries for a user, optionally narrowed to one domain.
func (r *HistoryRepository) List(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}
	if filter.Domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, filter.Domain)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT id, user_id, domain, subject_key, subject, change_type, before_values, after_values, significant, outcome, observed_at
FROM academic_history WHERE %s ORDER BY observed_at DESC, subject_key ASC LIMIT ?`, strings.Join(conditions, " AND "))

	var entries []models.HistoryEntry
	if err := r.db.SelectContext(ctx, &entries, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}
