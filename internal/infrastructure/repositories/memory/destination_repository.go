package memory

import (
	"context"
	"sort"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
)

type MemoryDestinationRepository struct {
	configs map[domain.DestinationID]*domain.DestinationConfig
	mu      sync.RWMutex
}

func NewMemoryDestinationRepository() ports.DestinationRepository {
	return &MemoryDestinationRepository{
		configs: make(map[domain.DestinationID]*domain.DestinationConfig),
	}
}

func (r *MemoryDestinationRepository) Save(ctx context.Context, config *domain.DestinationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *config
	r.configs[config.ID] = &stored
	return nil
}

func (r *MemoryDestinationRepository) GetByID(ctx context.Context, id domain.DestinationID) (*domain.DestinationConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, exists := r.configs[id]
	if !exists {
		return nil, domain.ErrDestinationNotFound
	}

	out := *config
	return &out, nil
}

func (r *MemoryDestinationRepository) Delete(ctx context.Context, id domain.DestinationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[id]; !exists {
		return domain.ErrDestinationNotFound
	}

	delete(r.configs, id)
	return nil
}

func (r *MemoryDestinationRepository) ListBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.DestinationConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.DestinationConfig
	for _, config := range r.configs {
		if config.SessionID == sessionID {
			copied := *config
			out = append(out, &copied)
		}
	}

	// Stable order for callers that start workers from this list.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (r *MemoryDestinationRepository) SetEnabled(ctx context.Context, id domain.DestinationID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	config, exists := r.configs[id]
	if !exists {
		return domain.ErrDestinationNotFound
	}

	config.Enabled = enabled
	return nil
}
