package repositories

import (
	"context"
	"fmt"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/cache"
)

// CachedDestinationRepository wraps a DestinationRepository with read caching.
// Writes go straight through and invalidate the affected keys, so a Redis
// round trip is only paid on cold reads.
type CachedDestinationRepository struct {
	base  ports.DestinationRepository
	cache *cache.CacheWithFallback
	ttl   time.Duration
}

// NewCachedDestinationRepository creates a caching wrapper around base
func NewCachedDestinationRepository(base ports.DestinationRepository, ttl time.Duration) ports.DestinationRepository {
	return &CachedDestinationRepository{
		base:  base,
		cache: cache.NewCacheWithFallback(ttl),
		ttl:   ttl,
	}
}

func destinationKey(id domain.DestinationID) string {
	return fmt.Sprintf("destination:%s", id)
}

func sessionListKey(sessionID domain.SessionID) string {
	return fmt.Sprintf("session:%s:destinations", sessionID)
}

// Save persists the config and invalidates cached reads
func (r *CachedDestinationRepository) Save(ctx context.Context, config *domain.DestinationConfig) error {
	if err := r.base.Save(ctx, config); err != nil {
		return err
	}

	r.cache.Invalidate(destinationKey(config.ID))
	r.cache.Invalidate(sessionListKey(config.SessionID))

	return nil
}

// GetByID gets a destination config with caching
func (r *CachedDestinationRepository) GetByID(ctx context.Context, id domain.DestinationID) (*domain.DestinationConfig, error) {
	value, err := r.cache.GetOrSet(ctx, destinationKey(id), func(ctx context.Context) (interface{}, error) {
		return r.base.GetByID(ctx, id)
	}, r.ttl)
	if err != nil {
		return nil, err
	}

	return value.(*domain.DestinationConfig), nil
}

// Delete removes the config and invalidates cached reads
func (r *CachedDestinationRepository) Delete(ctx context.Context, id domain.DestinationID) error {
	// Look up the session before deleting so its list key can be dropped too.
	config, err := r.GetByID(ctx, id)
	if err == nil {
		r.cache.Invalidate(sessionListKey(config.SessionID))
	}

	if err := r.base.Delete(ctx, id); err != nil {
		return err
	}

	r.cache.Invalidate(destinationKey(id))

	return nil
}

// ListBySession lists a session's destinations with caching
func (r *CachedDestinationRepository) ListBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.DestinationConfig, error) {
	value, err := r.cache.GetOrSet(ctx, sessionListKey(sessionID), func(ctx context.Context) (interface{}, error) {
		return r.base.ListBySession(ctx, sessionID)
	}, r.ttl)
	if err != nil {
		return nil, err
	}

	return value.([]*domain.DestinationConfig), nil
}

// SetEnabled toggles a destination and invalidates cached reads
func (r *CachedDestinationRepository) SetEnabled(ctx context.Context, id domain.DestinationID, enabled bool) error {
	config, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.base.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}

	r.cache.Invalidate(destinationKey(id))
	r.cache.Invalidate(sessionListKey(config.SessionID))

	return nil
}

// Stop stops the cache cleanup goroutine
func (r *CachedDestinationRepository) Stop() {
	r.cache.Stop()
}
