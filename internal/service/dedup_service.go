package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
)

type dedupStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	MarkNotified(ctx context.Context, keys []string, ttl time.Duration) error
}

// DedupService gates diffs on the dedup cache.
type DedupService struct {
	store  dedupStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewDedupService constructs the service. ttl bounds how long a marker suppresses re-notification.
func NewDedupService(store dedupStore, ttl time.Duration, logger *zap.Logger) *DedupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupService{store: store, ttl: ttl, logger: logger}
}

// Filter drops diffs that already have a live marker and returns the
// survivors together with the keys to mark once they are queued.
func (s *DedupService) Filter(ctx context.Context, userID string, diffs []models.Diff) ([]models.Diff, []string, error) {
	survivors := make([]models.Diff, 0, len(diffs))
	keys := make([]string, 0, len(diffs))
	seen := make(map[string]struct{}, len(diffs))
	for _, d := range diffs {
		key := DedupKey(userID, d)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("check dedup marker: %w", err)
		}
		if exists {
			s.logger.Debug("diff already queued", zap.String("user_id", userID), zap.String("subject_key", d.SubjectKey))
			continue
		}
		survivors = append(survivors, d)
		keys = append(keys, key)
	}
	return survivors, keys, nil
}

// Mark records markers for queued diffs.
func (s *DedupService) Mark(ctx context.Context, keys []string) error {
	return s.store.MarkNotified(ctx, keys, s.ttl)
}
