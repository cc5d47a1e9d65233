package reliability

import (
	"context"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// PublishClientWrapper wraps a PublishClient with per-destination circuit
// breakers. A destination whose endpoint keeps refusing connections gets its
// breaker opened, so the fan-out retry loop fails fast instead of spawning
// an ffmpeg process per attempt against a dead endpoint.
type PublishClientWrapper struct {
	client ports.PublishClient
	logger *zap.SugaredLogger

	cbConfig   circuitbreaker.Config
	breakers   map[domain.DestinationID]*circuitbreaker.CircuitBreaker
	breakersMu sync.RWMutex
}

// NewPublishClientWrapper creates a wrapper with circuit breaker protection
func NewPublishClientWrapper(
	client ports.PublishClient,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *PublishClientWrapper {
	return &PublishClientWrapper{
		client:   client,
		logger:   logger,
		cbConfig: cbConfig,
		breakers: make(map[domain.DestinationID]*circuitbreaker.CircuitBreaker),
	}
}

// getBreaker gets or creates a circuit breaker for a destination
func (w *PublishClientWrapper) getBreaker(id domain.DestinationID) *circuitbreaker.CircuitBreaker {
	w.breakersMu.RLock()
	cb, exists := w.breakers[id]
	w.breakersMu.RUnlock()

	if exists {
		return cb
	}

	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := w.breakers[id]; exists {
		return cb
	}

	cb = circuitbreaker.New(w.cbConfig)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("destination circuit breaker state changed",
			"destination_id", id,
			"from", from.String(),
			"to", to.String(),
		)
	})

	w.breakers[id] = cb
	return cb
}

// Dial opens a publish connection through the destination's circuit breaker
func (w *PublishClientWrapper) Dial(ctx context.Context, sourceURL string, config domain.DestinationConfig) (ports.PublishStream, error) {
	cb := w.getBreaker(config.ID)

	result, err := cb.ExecuteWithResult(ctx, func() (interface{}, error) {
		return w.client.Dial(ctx, sourceURL, config)
	})
	if err != nil {
		return nil, err
	}

	return result.(ports.PublishStream), nil
}

// Forget drops the breaker for a removed destination
func (w *PublishClientWrapper) Forget(id domain.DestinationID) {
	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()
	delete(w.breakers, id)
}

// BreakerStats returns circuit breaker statistics for a destination
func (w *PublishClientWrapper) BreakerStats(id domain.DestinationID) (circuitbreaker.Stats, bool) {
	w.breakersMu.RLock()
	defer w.breakersMu.RUnlock()

	cb, exists := w.breakers[id]
	if !exists {
		return circuitbreaker.Stats{}, false
	}

	return cb.GetStats(), true
}
