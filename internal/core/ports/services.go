package ports

import (
	"context"

	"stagecast/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// RoomRegistry is the process-local participant roster per broadcast session.
// All operations are idempotent on absence; an emptied session is pruned.
type RoomRegistry interface {
	AddParticipant(sessionID domain.SessionID, participant *domain.Participant)
	RemoveParticipant(sessionID domain.SessionID, participantID domain.ParticipantID)
	UpdateParticipant(sessionID domain.SessionID, participantID domain.ParticipantID, update domain.ParticipantUpdate)
	ListParticipants(sessionID domain.SessionID) []*domain.Participant
	GetParticipant(sessionID domain.SessionID, participantID domain.ParticipantID) (*domain.Participant, bool)
	RemoveFromAllSessions(participantID domain.ParticipantID) []domain.SessionID
	RoomCount() int
	TotalParticipants() int
}

// Capabilities is the shared codec set negotiated before any transport is
// created. Version bumps invalidate previously fetched capability sets.
type Capabilities struct {
	Version     int
	AudioCodecs []webrtc.RTPCodecCapability
	VideoCodecs []webrtc.RTPCodecCapability
}

type MediaSessionManager interface {
	LoadCapabilities(sessionID domain.SessionID) Capabilities
	CreateTransport(participantID domain.ParticipantID, direction domain.TransportDirection, capsVersion int) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID domain.TransportID, handshake domain.HandshakeParams) error
	Produce(transportID domain.TransportID, kind domain.MediaKind) (domain.ProducerID, error)
	Consume(transportID domain.TransportID, producerID domain.ProducerID) (domain.ConsumerID, error)
	SetTransportBitrate(transportID domain.TransportID, bitrate int) error
	CloseParticipant(participantID domain.ParticipantID) error
	OpenProducers(participantID domain.ParticipantID) []domain.ProducerInfo
	OpenResourceCount(sessionID domain.SessionID) domain.ResourceCount
	HasActiveTransports(participantID domain.ParticipantID) bool
	EnsureParticipantMedia(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error
	BindParticipant(sessionID domain.SessionID, participantID domain.ParticipantID)
}

type CompositionEngine interface {
	StartComposition(ctx context.Context, session *domain.Session) (domain.JobID, error)
	StopComposition(jobID domain.JobID) error
	JobStatus(jobID domain.JobID) (domain.JobStatus, error)
	Job(jobID domain.JobID) (*domain.CompositionJob, error)
	ActiveJob(sessionID domain.SessionID) (*domain.CompositionJob, bool)
}

type FanoutRelay interface {
	StartForJob(ctx context.Context, jobID domain.JobID, sessionID domain.SessionID, outputURL string) error
	StopForJob(jobID domain.JobID)
	AddDestination(ctx context.Context, jobID domain.JobID, config domain.DestinationConfig) (domain.DestinationID, error)
	RemoveDestination(destinationID domain.DestinationID) error
	TestDestination(ctx context.Context, destinationID domain.DestinationID) (domain.DestinationStatus, error)
	DestinationStatus(destinationID domain.DestinationID) (domain.DestinationStatus, error)
	ActiveDestinations(jobID domain.JobID) []domain.DestinationID
}

type LifecycleController interface {
	ScheduleSession(ctx context.Context, title string, layout domain.LayoutConfig) (domain.SessionID, error)
	Start(ctx context.Context, sessionID domain.SessionID) error
	End(ctx context.Context, sessionID domain.SessionID) error
	AddDestination(ctx context.Context, sessionID domain.SessionID, config domain.DestinationConfig) (domain.DestinationID, error)
	RemoveDestination(ctx context.Context, sessionID domain.SessionID, destinationID domain.DestinationID) error
	TestDestination(ctx context.Context, destinationID domain.DestinationID) (domain.DestinationStatus, error)
}

// RTPSink consumes a copy of a producer's RTP stream. Pion's media writers
// satisfy it directly.
type RTPSink interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// ProducerTapper lets the composition plumbing tap a producer's incoming RTP
// without disturbing the consumers fed from the same track.
type ProducerTapper interface {
	AttachProducerSink(producerID domain.ProducerID, sink RTPSink) error
	DetachProducerSink(producerID domain.ProducerID, sink RTPSink)
}

// Renderer drives the external rendering process for one composition job.
// Start returns once the process is up; the returned error channel yields at
// most one fatal error. Stop must not return until the process is gone.
type Renderer interface {
	Start(ctx context.Context, job *domain.CompositionJob, placements []domain.Placement) (<-chan error, error)
	Stop(jobID domain.JobID) error
}

// PublishClient opens one publish connection to an external endpoint. Dial
// errors are transient unless wrapped as permanent by the implementation.
type PublishClient interface {
	Dial(ctx context.Context, sourceURL string, config domain.DestinationConfig) (PublishStream, error)
}

// PublishStream is one live publish connection. Wait blocks until the
// connection fails or Close is called.
type PublishStream interface {
	Wait() error
	Close() error
}

// RoomNotifier pushes server-emitted events into a session's room. The
// signaling relay implements it; the lifecycle controller uses it for
// broadcast-started and broadcast-ended.
type RoomNotifier interface {
	NotifyRoom(sessionID domain.SessionID, event string, payload any)
}
