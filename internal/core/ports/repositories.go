package ports

import (
	"context"

	"stagecast/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id domain.SessionID) error
	ListByState(ctx context.Context, state domain.SessionState) ([]*domain.Session, error)
}

type DestinationRepository interface {
	Save(ctx context.Context, config *domain.DestinationConfig) error
	GetByID(ctx context.Context, id domain.DestinationID) (*domain.DestinationConfig, error)
	Delete(ctx context.Context, id domain.DestinationID) error
	ListBySession(ctx context.Context, sessionID domain.SessionID) ([]*domain.DestinationConfig, error)
	SetEnabled(ctx context.Context, id domain.DestinationID, enabled bool) error
}
