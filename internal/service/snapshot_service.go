package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

type snapshotStore interface {
	Get(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error)
	Commit(ctx context.Context, snapshot *models.Snapshot, history []models.HistoryEntry) error
}

type snapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SnapshotService reads snapshots through a short-lived Redis cache and
// commits them to Postgres.
type SnapshotService struct {
	store    snapshotStore
	cache    snapshotCache
	cacheTTL time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewSnapshotService constructs the service. A nil cache reads straight from the store.
func NewSnapshotService(store snapshotStore, cache snapshotCache, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotService{store: store, cache: cache, cacheTTL: cacheTTL, metrics: metrics, logger: logger}
}

// Load returns the last snapshot, or appErrors.ErrNotFound when none exists yet.
func (s *SnapshotService) Load(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error) {
	key := SnapshotCacheKey(domain, userID)
	if s.cache != nil {
		var cached models.Snapshot
		err := s.cache.Get(ctx, key, &cached)
		switch {
		case err == nil:
			s.metrics.RecordCacheOperation(true)
			return &cached, nil
		case errors.Is(err, appErrors.ErrCacheMiss):
			s.metrics.RecordCacheOperation(false)
		default:
			s.metrics.RecordCacheOperation(false)
			s.logger.Warn("snapshot cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	snapshot, err := s.store.Get(ctx, userID, domain)
	if err != nil {
		return nil, err
	}
	s.fillCache(ctx, key, snapshot)
	return snapshot, nil
}

// Commit persists history rows and the new snapshot atomically. On failure
// the previous snapshot stays authoritative and the cache entry is evicted.
func (s *SnapshotService) Commit(ctx context.Context, snapshot *models.Snapshot, history []models.HistoryEntry) error {
	key := SnapshotCacheKey(snapshot.Domain, snapshot.UserID)
	if err := s.store.Commit(ctx, snapshot, history); err != nil {
		if s.cache != nil {
			if derr := s.cache.Delete(ctx, key); derr != nil {
				s.logger.Warn("snapshot cache eviction failed", zap.String("key", key), zap.Error(derr))
			}
		}
		return appErrors.WrapAs(err, appErrors.ErrSnapshotCommit, "")
	}
	s.fillCache(ctx, key, snapshot)
	return nil
}

func (s *SnapshotService) fillCache(ctx context.Context, key string, snapshot *models.Snapshot) {
	if s.cache == nil || s.cacheTTL <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, snapshot, s.cacheTTL); err != nil {
		s.logger.Warn("snapshot cache write failed", zap.String("key", key), zap.Error(err))
	}
}
