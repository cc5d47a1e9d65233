package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisDestinationRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisDestinationRepository(client *redis.Client) ports.DestinationRepository {
	return &RedisDestinationRepository{
		client: client,
		prefix: "stagecast:destination:",
	}
}

func (r *RedisDestinationRepository) destKey(id domain.DestinationID) string {
	return r.prefix + string(id)
}

func (r *RedisDestinationRepository) sessionSetKey(sessionID domain.SessionID) string {
	return fmt.Sprintf("stagecast:session:%s:destinations", sessionID)
}

func (r *RedisDestinationRepository) Save(ctx context.Context, config *domain.DestinationConfig) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal destination config: %w", err)
	}

	key := r.destKey(config.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set destination in Redis: %w", err)
	}

	setKey := r.sessionSetKey(config.SessionID)
	if err := r.client.SAdd(ctx, setKey, string(config.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add destination to session set: %w", err)
	}

	return nil
}

func (r *RedisDestinationRepository) GetByID(ctx context.Context, id domain.DestinationID) (*domain.DestinationConfig, error) {
	data, err := r.client.Get(ctx, r.destKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrDestinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination from Redis: %w", err)
	}

	var config domain.DestinationConfig
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal destination config: %w", err)
	}

	return &config, nil
}

func (r *RedisDestinationRepository) Delete(ctx context.Context, id domain.DestinationID) error {
	config, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	setKey := r.sessionSetKey(config.SessionID)
	if err := r.client.SRem(ctx, setKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove destination from session set: %w", err)
	}

	if err := r.client.Del(ctx, r.destKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete destination from Redis: %w", err)
	}

	return nil
}

func (r *RedisDestinationRepository) ListBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.DestinationConfig, error) {
	ids, err := r.client.SMembers(ctx, r.sessionSetKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session destinations from Redis: %w", err)
	}

	var configs []*domain.DestinationConfig
	for _, idStr := range ids {
		config, err := r.GetByID(ctx, domain.DestinationID(idStr))
		if err != nil {
			// Skip configs that no longer exist
			continue
		}
		configs = append(configs, config)
	}

	return configs, nil
}

func (r *RedisDestinationRepository) SetEnabled(ctx context.Context, id domain.DestinationID, enabled bool) error {
	config, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	config.Enabled = enabled
	return r.Save(ctx, config)
}
