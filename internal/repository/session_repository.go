package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

const sessionKeyPrefix = "portal:session:"

// SessionRepository shares portal login sessions between processes.
type SessionRepository struct {
	cache *CacheRepository
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(client *redis.Client) *SessionRepository {
	return &SessionRepository{cache: NewCacheRepository(client)}
}

// Get returns the cached session, or appErrors.ErrCacheMiss.
func (r *SessionRepository) Get(ctx context.Context, userID string) (*models.PortalSession, error) {
	var session models.PortalSession
	if err := r.cache.Get(ctx, sessionKeyPrefix+userID, &session); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.ErrCacheMiss
		}
		return nil, fmt.Errorf("get portal session: %w", err)
	}
	return &session, nil
}

// Set stores a session for ttl.
func (r *SessionRepository) Set(ctx context.Context, session models.PortalSession, ttl time.Duration) error {
	return r.cache.Set(ctx, sessionKeyPrefix+session.UserID, session, ttl)
}

// Delete forgets a session, typically after the portal rejected it.
func (r *SessionRepository) Delete(ctx context.Context, userID string) error {
	return r.cache.Delete(ctx, sessionKeyPrefix+userID)
}
