package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
)

// SecretOpener decrypts sealed portal passwords.
type SecretOpener interface {
	Open(sealed string) (string, error)
}

// CredentialRepository reads the portal credentials of registered users.
type CredentialRepository struct {
	db     *sqlx.DB
	opener SecretOpener
	logger *zap.Logger
}

// NewCredentialRepository constructs the repository.
func NewCredentialRepository(db *sqlx.DB, opener SecretOpener, logger *zap.Logger) *CredentialRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialRepository{db: db, opener: opener, logger: logger}
}

// ListEligible returns users with a valid credential who opted into the
// domain's notifications. Rows whose password cannot be opened are skipped.
func (r *CredentialRepository) ListEligible(ctx context.Context, domain models.Domain) ([]models.EligibleUser, error) {
	var column string
	switch domain {
	case models.DomainAttendance:
		column = "watch_attendance"
	case models.DomainMarks:
		column = "watch_marks"
	default:
		return nil, fmt.Errorf("list eligible users: unsupported domain %q", domain)
	}

	query := fmt.Sprintf(`SELECT user_id, username, sealed_password, valid, watch_attendance, watch_marks, invalidated_at, updated_at
FROM portal_credentials WHERE valid = TRUE AND %s = TRUE ORDER BY user_id ASC`, column)

	var rows []models.PortalCredential
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list eligible users: %w", err)
	}

	users := make([]models.EligibleUser, 0, len(rows))
	for _, row := range rows {
		password, err := r.opener.Open(row.SealedPassword)
		if err != nil {
			r.logger.Warn("skipping credential that cannot be opened", zap.String("user_id", row.UserID), zap.Error(err))
			continue
		}
		users = append(users, models.EligibleUser{
			UserID:   row.UserID,
			Username: row.Username,
			Password: password,
		})
	}
	return users, nil
}

// MarkInvalid stops polling for a user whose credential the portal rejected.
// The user becomes eligible again once a new credential is stored.
func (r *CredentialRepository) MarkInvalid(ctx context.Context, userID string) error {
	const query = `UPDATE portal_credentials SET valid = FALSE, invalidated_at = NOW(), updated_at = NOW() WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("mark credential invalid: %w", err)
	}
	return nil
}
