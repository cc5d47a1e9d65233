package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/tracing"
	"stagecast/pkg/utils"

	"go.uber.org/zap"
)

// LifecycleService sequences a broadcast through scheduled → live → ended.
// Start acquires media, composition and fan-out in order and rolls the whole
// session back to scheduled when any stage fails; End tears the pipeline
// down sink-first so nothing consumes a source that is already gone.
type LifecycleService struct {
	sessions     ports.SessionRepository
	destinations ports.DestinationRepository
	registry     ports.RoomRegistry
	media        ports.MediaSessionManager
	composer     ports.CompositionEngine
	relay        ports.FanoutRelay
	notifier     ports.RoomNotifier

	logger *zap.SugaredLogger
}

func NewLifecycleService(
	sessions ports.SessionRepository,
	destinations ports.DestinationRepository,
	registry ports.RoomRegistry,
	media ports.MediaSessionManager,
	composer ports.CompositionEngine,
	relay ports.FanoutRelay,
	notifier ports.RoomNotifier,
	logger *zap.SugaredLogger,
) *LifecycleService {
	return &LifecycleService{
		sessions:     sessions,
		destinations: destinations,
		registry:     registry,
		media:        media,
		composer:     composer,
		relay:        relay,
		notifier:     notifier,
		logger:       logger,
	}
}

var _ ports.LifecycleController = (*LifecycleService)(nil)

func (s *LifecycleService) ScheduleSession(ctx context.Context, title string, layout domain.LayoutConfig) (domain.SessionID, error) {
	if layout.Kind == "" {
		layout.Kind = domain.LayoutGrid
	}
	if layout.MaxParticipants <= 0 {
		layout.MaxParticipants = 10
	}

	session := &domain.Session{
		ID:        domain.SessionID(utils.GenerateSessionID()),
		Title:     title,
		State:     domain.SessionScheduled,
		Layout:    layout,
		CreatedAt: time.Now(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Infow("session scheduled",
		"session_id", session.ID,
		"layout", layout.Kind,
		"max_participants", layout.MaxParticipants,
	)
	return session.ID, nil
}

// Start takes a scheduled session live. Stages run in order: participant
// media, composition, fan-out. A failure at any stage releases everything
// acquired so far and leaves the session scheduled; no partial-live state is
// observable.
func (s *LifecycleService) Start(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceLifecycle(ctx, "start", string(sessionID))
	defer span.End()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != domain.SessionScheduled {
		return fmt.Errorf("%w: cannot start session in state %s", domain.ErrInvalidTransition, session.State)
	}

	participants := s.registry.ListParticipants(sessionID)

	var ensured []domain.ParticipantID
	rollback := func() {
		for _, pid := range ensured {
			if err := s.media.CloseParticipant(pid); err != nil {
				s.logger.Warnw("rollback: error releasing participant media",
					"participant_id", pid, "error", err)
			}
		}
	}

	for _, p := range participants {
		if err := s.media.EnsureParticipantMedia(ctx, sessionID, p.ID); err != nil {
			rollback()
			return fmt.Errorf("failed to ensure media for participant %s: %w", p.ID, err)
		}
		ensured = append(ensured, p.ID)
	}

	jobID, err := s.composer.StartComposition(ctx, session)
	if err != nil {
		rollback()
		return fmt.Errorf("failed to start composition: %w", err)
	}

	job, jerr := s.composer.Job(jobID)
	if jerr != nil {
		_ = s.composer.StopComposition(jobID)
		rollback()
		return jerr
	}

	if err := s.relay.StartForJob(ctx, jobID, sessionID, job.OutputURL); err != nil {
		if stopErr := s.composer.StopComposition(jobID); stopErr != nil {
			s.logger.Warnw("rollback: error stopping composition", "job_id", jobID, "error", stopErr)
		}
		rollback()
		return fmt.Errorf("failed to start fan-out: %w", err)
	}

	session.State = domain.SessionLive
	session.StartedAt = time.Now()
	if err := s.sessions.Update(ctx, session); err != nil {
		s.relay.StopForJob(jobID)
		if stopErr := s.composer.StopComposition(jobID); stopErr != nil {
			s.logger.Warnw("rollback: error stopping composition", "job_id", jobID, "error", stopErr)
		}
		rollback()
		return fmt.Errorf("failed to persist live state: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyRoom(sessionID, domain.EventBroadcastStarted, map[string]any{
			"session_id": sessionID,
			"timestamp":  session.StartedAt.Unix(),
		})
	}

	s.logger.Infow("broadcast started",
		"session_id", sessionID,
		"job_id", jobID,
		"participants", len(participants),
	)
	return nil
}

// End stops the pipeline in reverse dependency order: fan-out workers, then
// the composition job, then participant media, then the roster. Safe to call
// mid-negotiation; ended is terminal.
func (s *LifecycleService) End(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceLifecycle(ctx, "end", string(sessionID))
	defer span.End()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State == domain.SessionEnded {
		return nil
	}
	if session.State != domain.SessionLive {
		return fmt.Errorf("%w: cannot end session in state %s", domain.ErrInvalidTransition, session.State)
	}

	if job, ok := s.composer.ActiveJob(sessionID); ok {
		s.relay.StopForJob(job.ID)
		if err := s.composer.StopComposition(job.ID); err != nil {
			s.logger.Warnw("error stopping composition", "job_id", job.ID, "error", err)
		}
	}

	for _, p := range s.registry.ListParticipants(sessionID) {
		if err := s.media.CloseParticipant(p.ID); err != nil {
			s.logger.Warnw("error releasing participant media",
				"participant_id", p.ID, "error", err)
		}
		s.registry.RemoveParticipant(sessionID, p.ID)
	}

	session.State = domain.SessionEnded
	session.EndedAt = time.Now()
	if err := s.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("failed to persist ended state: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyRoom(sessionID, domain.EventBroadcastEnded, map[string]any{
			"session_id": sessionID,
			"timestamp":  session.EndedAt.Unix(),
		})
	}

	s.logger.Infow("broadcast ended", "session_id", sessionID)
	return nil
}

// AddDestination registers a publish target. For a live session the relay
// picks it up immediately; otherwise the config waits for the next start.
func (s *LifecycleService) AddDestination(ctx context.Context, sessionID domain.SessionID, config domain.DestinationConfig) (domain.DestinationID, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	config.SessionID = sessionID

	if session.State == domain.SessionLive {
		if job, ok := s.composer.ActiveJob(sessionID); ok {
			return s.relay.AddDestination(ctx, job.ID, config)
		}
	}

	if config.ID == "" {
		config.ID = domain.DestinationID(utils.GenerateDestinationID())
	}
	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now()
	}
	return config.ID, s.destinations.Save(ctx, &config)
}

func (s *LifecycleService) RemoveDestination(ctx context.Context, sessionID domain.SessionID, destinationID domain.DestinationID) error {
	config, err := s.destinations.GetByID(ctx, destinationID)
	if err != nil {
		return err
	}
	if config.SessionID != sessionID {
		return fmt.Errorf("%w: destination %s", domain.ErrForbidden, destinationID)
	}

	if err := s.relay.RemoveDestination(destinationID); err != nil && !errors.Is(err, domain.ErrDestinationNotFound) {
		return err
	}
	return s.destinations.Delete(ctx, destinationID)
}

func (s *LifecycleService) TestDestination(ctx context.Context, destinationID domain.DestinationID) (domain.DestinationStatus, error) {
	return s.relay.TestDestination(ctx, destinationID)
}
