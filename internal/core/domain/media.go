package domain

import "time"

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// ResourceState is the lifecycle of transports, producers and consumers.
// Every media resource is created, opened exactly once and closed exactly
// once; there is no reopening a closed resource.
type ResourceState string

const (
	ResourceCreated ResourceState = "created"
	ResourceOpen    ResourceState = "open"
	ResourceClosed  ResourceState = "closed"
)

// HandshakeParams carries the client side of the transport handshake. The
// payload is opaque to the orchestration layer; only the answer SDP is
// interpreted by the transport itself.
type HandshakeParams struct {
	AnswerSDP   string
	Fingerprint string
}

type ProducerInfo struct {
	ID          ProducerID
	TransportID TransportID
	Participant ParticipantID
	Kind        MediaKind
	State       ResourceState
	CreatedAt   time.Time
}

type ConsumerInfo struct {
	ID          ConsumerID
	TransportID TransportID
	ProducerID  ProducerID
	Participant ParticipantID
	Kind        MediaKind
	State       ResourceState
	CreatedAt   time.Time
}

type TransportInfo struct {
	ID          TransportID
	Participant ParticipantID
	Direction   TransportDirection
	State       ResourceState
	MaxBitrate  int // bps ceiling for outgoing media
	CreatedAt   time.Time
}

// ResourceCount is a point-in-time census of open media resources, used by
// lifecycle teardown assertions and the metrics collector.
type ResourceCount struct {
	Transports int
	Producers  int
	Consumers  int
}

func (c ResourceCount) Zero() bool {
	return c.Transports == 0 && c.Producers == 0 && c.Consumers == 0
}
