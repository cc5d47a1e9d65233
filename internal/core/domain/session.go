package domain

import (
	"time"
)

type SessionID string
type ParticipantID string
type ConnectionID string
type TransportID string
type ProducerID string
type ConsumerID string
type JobID string
type DestinationID string

type SessionState string

const (
	SessionScheduled SessionState = "scheduled"
	SessionLive      SessionState = "live"
	SessionEnded     SessionState = "ended"
)

type LayoutKind string

const (
	LayoutGrid      LayoutKind = "grid"
	LayoutSpotlight LayoutKind = "spotlight"
	LayoutSidebar   LayoutKind = "sidebar"
)

type LayoutConfig struct {
	Kind            LayoutKind
	MaxParticipants int
	EnableChat      bool
	EnableRecording bool
}

type Session struct {
	ID           SessionID
	Title        string
	State        SessionState
	Layout       LayoutConfig
	Destinations []DestinationConfig
	StartedAt    time.Time
	EndedAt      time.Time
	CreatedAt    time.Time
}
