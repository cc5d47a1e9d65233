package repositories

import (
	"context"
	"time"

	"stagecast/internal/core/ports"
	"stagecast/internal/infrastructure/repositories/memory"
	redisrepo "stagecast/internal/infrastructure/repositories/redis"
	"stagecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateSessionRepository creates a session repository. Sessions are
// process-owned lifecycle state, so they always live in memory.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	return memory.NewMemorySessionRepository()
}

// CreateDestinationRepository creates a destination repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateDestinationRepository() ports.DestinationRepository {
	if f.useRedis && f.redisClient != nil {
		// Cache Redis reads. Destination configs change rarely, so a short
		// TTL keeps the fan-out hot path off the network.
		return NewCachedDestinationRepository(
			redisrepo.NewRedisDestinationRepository(f.redisClient),
			30*time.Second,
		)
	}
	return memory.NewMemoryDestinationRepository()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
