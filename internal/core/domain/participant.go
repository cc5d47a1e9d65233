package domain

import "time"

type ParticipantRole string

const (
	RoleHost   ParticipantRole = "host"
	RoleGuest  ParticipantRole = "guest"
	RoleViewer ParticipantRole = "viewer"
)

type Participant struct {
	ID            ParticipantID
	ConnectionID  ConnectionID
	Name          string
	Role          ParticipantRole
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	JoinedAt      time.Time
}

// ParticipantUpdate carries a partial participant update; nil fields are
// left untouched.
type ParticipantUpdate struct {
	Name          *string
	AudioEnabled  *bool
	VideoEnabled  *bool
	ScreenSharing *bool
}

// Apply merges the update into the participant.
func (u ParticipantUpdate) Apply(p *Participant) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.AudioEnabled != nil {
		p.AudioEnabled = *u.AudioEnabled
	}
	if u.VideoEnabled != nil {
		p.VideoEnabled = *u.VideoEnabled
	}
	if u.ScreenSharing != nil {
		p.ScreenSharing = *u.ScreenSharing
	}
}
