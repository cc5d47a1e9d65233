package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/utils"

	"go.uber.org/zap"
)

// ComposeConfig holds composition output settings.
type ComposeConfig struct {
	Frame         domain.FrameSize
	OutputBaseURL string
}

type jobState struct {
	job *domain.CompositionJob
}

// CompositionService runs one composition job per live session: it selects
// input producers, applies the layout and drives the external renderer.
// Job state transitions are one-way; a failed or completed job is never
// restarted, a new job must be created instead.
type CompositionService struct {
	cfg      ComposeConfig
	registry ports.RoomRegistry
	media    ports.MediaSessionManager
	renderer ports.Renderer

	mu        sync.RWMutex
	jobs      map[domain.JobID]*jobState
	bySession map[domain.SessionID]domain.JobID

	logger *zap.SugaredLogger
}

func NewCompositionService(
	cfg ComposeConfig,
	registry ports.RoomRegistry,
	media ports.MediaSessionManager,
	renderer ports.Renderer,
	logger *zap.SugaredLogger,
) *CompositionService {
	return &CompositionService{
		cfg:       cfg,
		registry:  registry,
		media:     media,
		renderer:  renderer,
		jobs:      make(map[domain.JobID]*jobState),
		bySession: make(map[domain.SessionID]domain.JobID),
		logger:    logger,
	}
}

var _ ports.CompositionEngine = (*CompositionService)(nil)

// StartComposition selects the session's open producers in participant join
// order, computes placements for the configured layout and starts the
// renderer. The job is processing once the renderer is up.
func (s *CompositionService) StartComposition(ctx context.Context, session *domain.Session) (domain.JobID, error) {
	s.mu.Lock()
	if jobID, ok := s.bySession[session.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrJobActive, jobID)
	}

	participants := s.registry.ListParticipants(session.ID)
	ordered := make([]domain.ParticipantID, 0, len(participants))
	var inputs []domain.InputSource
	for _, p := range participants {
		ordered = append(ordered, p.ID)
		for _, prod := range s.media.OpenProducers(p.ID) {
			inputs = append(inputs, domain.InputSource{
				Participant: p.ID,
				ProducerID:  prod.ID,
				Kind:        prod.Kind,
			})
		}
	}

	job := &domain.CompositionJob{
		ID:        domain.JobID(utils.GenerateJobID()),
		SessionID: session.ID,
		Inputs:    inputs,
		Layout:    session.Layout.Kind,
		OutputURL: fmt.Sprintf("%s/%s", s.cfg.OutputBaseURL, session.ID),
		Status:    domain.JobPending,
		StartedAt: time.Now(),
	}
	state := &jobState{job: job}
	s.jobs[job.ID] = state
	s.bySession[session.ID] = job.ID
	s.mu.Unlock()

	placements := ComputePlacements(session.Layout.Kind, ordered, s.cfg.Frame)

	errCh, err := s.renderer.Start(ctx, job, placements)
	if err != nil {
		s.mu.Lock()
		job.Status = domain.JobFailed
		job.EndedAt = time.Now()
		delete(s.bySession, session.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to start renderer: %w", err)
	}

	s.mu.Lock()
	job.Status = domain.JobProcessing
	s.mu.Unlock()

	go s.watch(state, errCh)

	s.logger.Infow("composition started",
		"job_id", job.ID,
		"session_id", session.ID,
		"layout", session.Layout.Kind,
		"inputs", len(inputs),
		"output", job.OutputURL,
	)
	return job.ID, nil
}

// watch waits for the renderer to exit. A render error is fatal for the
// job; it is surfaced through job status and never retried here.
func (s *CompositionService) watch(state *jobState, errCh <-chan error) {
	err, running := <-errCh

	s.mu.Lock()
	defer s.mu.Unlock()

	if state.job.Status.Terminal() {
		return // stopped explicitly before the renderer reported
	}

	if running && err != nil {
		state.job.Status = domain.JobFailed
		s.logger.Errorw("composition failed",
			"job_id", state.job.ID,
			"session_id", state.job.SessionID,
			"error", err,
		)
	} else {
		state.job.Status = domain.JobCompleted
		s.logger.Infow("composition finished", "job_id", state.job.ID)
	}
	state.job.EndedAt = time.Now()
	delete(s.bySession, state.job.SessionID)
}

// StopComposition terminates the renderer and does not return until the
// underlying process is gone.
func (s *CompositionService) StopComposition(jobID domain.JobID) error {
	s.mu.Lock()
	state, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrJobNotFound
	}
	if state.job.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	// Mark terminal before releasing the lock so the watcher treats the
	// renderer exit as an explicit stop.
	state.job.Status = domain.JobCompleted
	state.job.EndedAt = time.Now()
	delete(s.bySession, state.job.SessionID)
	s.mu.Unlock()

	if err := s.renderer.Stop(jobID); err != nil {
		s.logger.Warnw("error stopping renderer", "job_id", jobID, "error", err)
	}

	s.logger.Infow("composition stopped", "job_id", jobID)
	return nil
}

func (s *CompositionService) JobStatus(jobID domain.JobID) (domain.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return state.job.Status, nil
}

func (s *CompositionService) Job(jobID domain.JobID) (*domain.CompositionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *state.job
	return &cp, nil
}

// ActiveJobCount reports how many jobs are currently processing.
func (s *CompositionService) ActiveJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

func (s *CompositionService) ActiveJob(sessionID domain.SessionID) (*domain.CompositionJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	cp := *s.jobs[jobID].job
	return &cp, true
}
