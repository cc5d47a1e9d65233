package domain

import "time"

type Platform string

const (
	PlatformYouTube  Platform = "youtube"
	PlatformFacebook Platform = "facebook"
	PlatformTwitch   Platform = "twitch"
	PlatformCustom   Platform = "custom"
)

type DestinationStatus string

const (
	DestinationConnected    DestinationStatus = "connected"
	DestinationDisconnected DestinationStatus = "disconnected"
	DestinationError        DestinationStatus = "error"
)

// DestinationConfig is the persisted shape of a publish target, written by
// the external storage layer and read by the fan-out relay.
type DestinationConfig struct {
	ID        DestinationID `json:"id"`
	SessionID SessionID     `json:"session_id"`
	Platform  Platform      `json:"platform"`
	RTMPURL   string        `json:"rtmp_url"`
	StreamKey string        `json:"stream_key"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
}

// Destination is a running publish worker's view of one target.
type Destination struct {
	Config      DestinationConfig
	JobID       JobID
	Status      DestinationStatus
	Attempts    int
	LastError   string
	ConnectedAt time.Time
}
