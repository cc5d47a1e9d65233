package domain

// Signaling message kinds exchanged over the per-participant event channel.
// Client-originated kinds come first, server-emitted kinds after.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventChat         = "chat"
	EventStatusUpdate = "status-update"

	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventRoomParticipants  = "room-participants"
	EventStatusUpdated     = "participant-status-updated"
	EventBroadcastStarted  = "broadcast-started"
	EventBroadcastEnded    = "broadcast-ended"
	EventError             = "error"
)
