package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/retry"
	"stagecast/pkg/tracing"
	"stagecast/pkg/utils"

	"go.uber.org/zap"
)

// RelayConfig holds fan-out publish settings.
type RelayConfig struct {
	ConnectTimeout time.Duration
	Retry          retry.Config
}

type destinationWorker struct {
	mu     sync.Mutex
	dest   domain.Destination
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *destinationWorker) snapshot() domain.Destination {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dest
}

func (w *destinationWorker) setStatus(status domain.DestinationStatus, attempts int, lastError string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dest.Status = status
	w.dest.Attempts = attempts
	w.dest.LastError = lastError
	if status == domain.DestinationConnected {
		w.dest.ConnectedAt = time.Now()
	}
}

type jobBinding struct {
	sessionID domain.SessionID
	outputURL string
	ctx       context.Context
	cancel    context.CancelFunc
}

// FanoutService republishes one composed output to N destinations, each
// driven by an independent worker goroutine. Workers share nothing but
// read-only access to the composed output URL, so one destination's failure
// cannot touch its siblings or the owning job.
type FanoutService struct {
	cfg    RelayConfig
	repo   ports.DestinationRepository
	client ports.PublishClient

	mu      sync.RWMutex
	workers map[domain.DestinationID]*destinationWorker
	jobs    map[domain.JobID]*jobBinding
	byJob   map[domain.JobID]map[domain.DestinationID]struct{}

	logger *zap.SugaredLogger
}

func NewFanoutService(cfg RelayConfig, repo ports.DestinationRepository, client ports.PublishClient, logger *zap.SugaredLogger) *FanoutService {
	return &FanoutService{
		cfg:     cfg,
		repo:    repo,
		client:  client,
		workers: make(map[domain.DestinationID]*destinationWorker),
		jobs:    make(map[domain.JobID]*jobBinding),
		byJob:   make(map[domain.JobID]map[domain.DestinationID]struct{}),
		logger:  logger,
	}
}

var _ ports.FanoutRelay = (*FanoutService)(nil)

// StartForJob reads the session's enabled destination configs and starts one
// publish worker per destination.
func (s *FanoutService) StartForJob(ctx context.Context, jobID domain.JobID, sessionID domain.SessionID, outputURL string) error {
	configs, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load destination configs: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, exists := s.jobs[jobID]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("relay already running for job %s", jobID)
	}
	s.jobs[jobID] = &jobBinding{sessionID: sessionID, outputURL: outputURL, ctx: jobCtx, cancel: cancel}
	s.byJob[jobID] = make(map[domain.DestinationID]struct{})
	s.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		s.startWorker(jobID, *cfg)
	}

	s.logger.Infow("fan-out started",
		"job_id", jobID,
		"session_id", sessionID,
		"destinations", len(configs),
	)
	return nil
}

// StopForJob cancels every worker of the job and waits for them to exit.
func (s *FanoutService) StopForJob(jobID domain.JobID) {
	s.mu.Lock()
	binding, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ids := make([]domain.DestinationID, 0, len(s.byJob[jobID]))
	for id := range s.byJob[jobID] {
		ids = append(ids, id)
	}
	delete(s.jobs, jobID)
	delete(s.byJob, jobID)
	s.mu.Unlock()

	binding.cancel()
	for _, id := range ids {
		s.mu.Lock()
		w, ok := s.workers[id]
		delete(s.workers, id)
		s.mu.Unlock()
		if ok {
			<-w.done
		}
	}

	s.logger.Infow("fan-out stopped", "job_id", jobID)
}

// AddDestination persists the config and, when enabled, starts a worker for
// the running job without touching sibling workers.
func (s *FanoutService) AddDestination(ctx context.Context, jobID domain.JobID, config domain.DestinationConfig) (domain.DestinationID, error) {
	s.mu.RLock()
	binding, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return "", domain.ErrJobNotFound
	}

	if config.ID == "" {
		config.ID = domain.DestinationID(utils.GenerateDestinationID())
	}
	if config.SessionID == "" {
		config.SessionID = binding.sessionID
	}
	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now()
	}
	if err := s.repo.Save(ctx, &config); err != nil {
		return "", fmt.Errorf("failed to persist destination config: %w", err)
	}

	if config.Enabled {
		s.startWorker(jobID, config)
	}
	return config.ID, nil
}

// RemoveDestination stops the destination's worker, waits for it to exit and
// leaves every sibling untouched.
func (s *FanoutService) RemoveDestination(destinationID domain.DestinationID) error {
	s.mu.Lock()
	w, ok := s.workers[destinationID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrDestinationNotFound
	}
	delete(s.workers, destinationID)
	for _, ids := range s.byJob {
		delete(ids, destinationID)
	}
	s.mu.Unlock()

	w.cancel()
	<-w.done

	s.logger.Infow("destination removed",
		"destination_id", destinationID,
		"platform", w.snapshot().Config.Platform,
	)
	return nil
}

// TestDestination dials the destination once, bounded by the connect
// timeout, and reports the resulting status without mutating worker state.
func (s *FanoutService) TestDestination(ctx context.Context, destinationID domain.DestinationID) (domain.DestinationStatus, error) {
	config, err := s.repo.GetByID(ctx, destinationID)
	if err != nil {
		return "", err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	stream, err := s.client.Dial(dialCtx, "", *config)
	if err != nil {
		return domain.DestinationError, nil
	}
	stream.Close()
	return domain.DestinationConnected, nil
}

func (s *FanoutService) DestinationStatus(destinationID domain.DestinationID) (domain.DestinationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[destinationID]
	if !ok {
		return "", domain.ErrDestinationNotFound
	}
	return w.snapshot().Status, nil
}

// StatusCounts tallies live workers by publish state, for monitoring.
func (s *FanoutService) StatusCounts() map[domain.DestinationStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.DestinationStatus]int, 4)
	for _, w := range s.workers {
		counts[w.snapshot().Status]++
	}
	return counts
}

func (s *FanoutService) ActiveDestinations(jobID domain.JobID) []domain.DestinationID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.DestinationID, 0, len(s.byJob[jobID]))
	for id := range s.byJob[jobID] {
		ids = append(ids, id)
	}
	return ids
}

// startWorker registers and launches one publish worker.
func (s *FanoutService) startWorker(jobID domain.JobID, config domain.DestinationConfig) {
	s.mu.Lock()
	binding, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exists := s.workers[config.ID]; exists {
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(binding.ctx)
	w := &destinationWorker{
		dest: domain.Destination{
			Config: config,
			JobID:  jobID,
			Status: domain.DestinationDisconnected,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.workers[config.ID] = w
	s.byJob[jobID][config.ID] = struct{}{}
	s.mu.Unlock()

	go s.runWorker(ctx, w, binding.outputURL)
}

// runWorker is one destination's publish loop. Consecutive connect failures
// back off exponentially up to the attempt ceiling, then the destination
// settles into error until explicitly re-enabled. A successful connection
// resets the failure budget.
func (s *FanoutService) runWorker(ctx context.Context, w *destinationWorker, outputURL string) {
	defer close(w.done)

	config := w.snapshot().Config
	log := s.logger.With(
		"destination_id", config.ID,
		"platform", config.Platform,
		"stream_key", utils.MaskSensitive(config.StreamKey, 4),
	)

	for {
		var stream ports.PublishStream
		err := retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
			dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
			defer cancel()

			dialCtx, span := tracing.TracePublish(dialCtx, "dial", string(config.ID), string(config.Platform))
			defer span.End()

			conn, dialErr := s.client.Dial(dialCtx, outputURL, config)
			if dialErr != nil {
				w.setStatus(domain.DestinationDisconnected, attempt, dialErr.Error())
				log.Warnw("publish connect failed", "attempt", attempt, "error", dialErr)
				return dialErr
			}
			stream = conn
			w.setStatus(domain.DestinationConnected, 0, "")
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				w.setStatus(domain.DestinationDisconnected, w.snapshot().Attempts, "")
				return
			}
			// Retry ceiling reached: terminal until re-enabled.
			w.setStatus(domain.DestinationError, s.cfg.Retry.MaxAttempts, err.Error())
			log.Errorw("destination settled into error", "error", err)
			return
		}

		log.Infow("destination connected")

		// Close the stream when the worker is cancelled so Wait unblocks.
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stream.Close()
			case <-waitDone:
			}
		}()

		werr := stream.Wait()
		close(waitDone)

		if ctx.Err() != nil {
			w.setStatus(domain.DestinationDisconnected, 0, "")
			return
		}
		msg := ""
		if werr != nil {
			msg = werr.Error()
		}
		w.setStatus(domain.DestinationDisconnected, 0, msg)
		log.Warnw("publish stream dropped, reconnecting", "error", werr)
	}
}
