package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Envelope is the wire format for every signaling message, client and server
// originated. Negotiation payloads are kept as raw JSON and are never
// inspected by the relay.
type Envelope struct {
	Kind      string               `json:"kind"`
	SessionID domain.SessionID     `json:"session_id,omitempty"`
	From      domain.ParticipantID `json:"from,omitempty"`
	Target    domain.ParticipantID `json:"target,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
}

type joinPayload struct {
	Name          string                 `json:"name"`
	Role          domain.ParticipantRole `json:"role"`
	AudioEnabled  bool                   `json:"audio_enabled"`
	VideoEnabled  bool                   `json:"video_enabled"`
	ScreenSharing bool                   `json:"screen_sharing"`
}

type statusPayload struct {
	Name          *string `json:"name,omitempty"`
	AudioEnabled  *bool   `json:"audio_enabled,omitempty"`
	VideoEnabled  *bool   `json:"video_enabled,omitempty"`
	ScreenSharing *bool   `json:"screen_sharing,omitempty"`
}

// roomMessage is one tagged inbound variant for a room's message loop. A nil
// client marks a server-originated message.
type roomMessage struct {
	from *client
	env  Envelope
}

// client is one participant's websocket connection. Writes are serialized
// through the mutex because room loops and the ping path share the socket.
type client struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

// room owns one session's roster fan-out. A single goroutine consumes the
// inbound channel so registry writes and event broadcasts for a session are
// totally ordered.
type room struct {
	id      domain.SessionID
	inbound chan roomMessage
	members map[domain.ParticipantID]*client
}

// SignalServer is the websocket signaling relay. It routes join/leave and
// negotiation traffic between participants and keeps the room registry in
// step with connection state.
type SignalServer struct {
	registry ports.RoomRegistry
	media    ports.MediaSessionManager

	rooms       map[domain.SessionID]*room
	connections map[domain.ParticipantID]*client
	mu          sync.RWMutex

	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64
	msgRate         rate.Limit
	msgBurst        int

	logger *zap.SugaredLogger
}

type ServerOptions struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MessagesPerSec  float64
	MessageBurst    int
}

func NewSignalServer(registry ports.RoomRegistry, media ports.MediaSessionManager, opts ServerOptions, logger *zap.SugaredLogger) *SignalServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MessagesPerSec <= 0 {
		opts.MessagesPerSec = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}

	return &SignalServer{
		registry:        registry,
		media:           media,
		rooms:           make(map[domain.SessionID]*room),
		connections:     make(map[domain.ParticipantID]*client),
		pingInterval:    opts.PingInterval,
		pongTimeout:     opts.PongTimeout,
		writeTimeout:    opts.WriteTimeout,
		maxMessageBytes: opts.MaxMessageBytes,
		msgRate:         rate.Limit(opts.MessagesPerSec),
		msgBurst:        opts.MessageBurst,
		logger:          logger,
	}
}

var _ ports.RoomNotifier = (*SignalServer)(nil)

// NotifyRoom pushes a server-emitted event to every member of a session's
// room. Used by the lifecycle controller for broadcast-started/ended.
func (s *SignalServer) NotifyRoom(sessionID domain.SessionID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warnw("failed to encode room event", "session_id", sessionID, "event", event, "error", err)
		return
	}
	s.dispatch(sessionID, roomMessage{env: Envelope{
		Kind:      event,
		SessionID: sessionID,
		Payload:   raw,
	}})
}

func (s *SignalServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	participantID := domain.ParticipantID(r.URL.Query().Get("participant_id"))
	if participantID == "" {
		participantID = domain.ParticipantID(utils.GenerateParticipantID())
	}

	c := &client{
		id:           participantID,
		conn:         conn,
		limiter:      rate.NewLimiter(s.msgRate, s.msgBurst),
		writeTimeout: s.writeTimeout,
	}

	s.mu.Lock()
	old, isReconnect := s.connections[participantID]
	if isReconnect && old != nil {
		old.conn.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", participantID)
	}
	s.connections[participantID] = c
	s.mu.Unlock()

	s.logger.Infow("participant connected", "participant_id", participantID, "reconnect", isReconnect)

	conn.SetReadLimit(s.maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- env
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if !c.limiter.Allow() {
				s.logger.Warnw("message rate exceeded, dropping", "participant_id", participantID, "kind", env.Kind)
				continue
			}
			if err := s.handleMessage(c, env); err != nil {
				s.logger.Infow("error handling message", "participant_id", participantID, "kind", env.Kind, "error", err)
				s.sendError(c, err.Error())
			}

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Infow("error sending ping", "participant_id", participantID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "participant_id", participantID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.disconnect(c)
}

// disconnect removes a participant from every session it belongs to. The
// registry is updated first so the participant-left broadcasts never race a
// roster snapshot that still contains the leaver.
func (s *SignalServer) disconnect(c *client) {
	s.mu.Lock()
	if cur, ok := s.connections[c.id]; ok && cur == c {
		delete(s.connections, c.id)
	} else {
		// A reconnect already replaced this connection; its room state
		// belongs to the new one.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	affected := s.registry.RemoveFromAllSessions(c.id)
	for _, sessionID := range affected {
		s.dispatch(sessionID, roomMessage{from: c, env: Envelope{
			Kind:      domain.EventLeave,
			SessionID: sessionID,
			From:      c.id,
		}})
	}

	if err := s.media.CloseParticipant(c.id); err != nil {
		s.logger.Warnw("error releasing media on disconnect", "participant_id", c.id, "error", err)
	}

	s.logger.Infow("participant disconnected", "participant_id", c.id, "sessions", len(affected))
}

func (s *SignalServer) handleMessage(c *client, env Envelope) error {
	if env.Kind == "" {
		return errInvalidMessage("kind is required")
	}
	if env.From != "" && env.From != c.id {
		return errInvalidMessage("from does not match connection")
	}
	env.From = c.id

	switch env.Kind {
	case domain.EventJoin:
		return s.handleJoin(c, env)
	case domain.EventLeave,
		domain.EventOffer,
		domain.EventAnswer,
		domain.EventICECandidate,
		domain.EventChat,
		domain.EventStatusUpdate:
		if env.SessionID == "" {
			return errInvalidMessage("session_id is required")
		}
		if !s.dispatch(env.SessionID, roomMessage{from: c, env: env}) {
			return domain.ErrSessionNotFound
		}
		return nil
	default:
		return errInvalidMessage("unknown message kind: " + env.Kind)
	}
}

func (s *SignalServer) handleJoin(c *client, env Envelope) error {
	if env.SessionID == "" {
		return errInvalidMessage("session_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[env.SessionID]
	if !ok {
		r = &room{
			id:      env.SessionID,
			inbound: make(chan roomMessage, 64),
			members: make(map[domain.ParticipantID]*client),
		}
		s.rooms[env.SessionID] = r
		go s.roomLoop(r)
	}

	// Enqueue while still holding the lock. pruneRoom checks the inbound
	// buffer under the same lock, so a join can never land in a channel
	// whose loop has already decided to exit.
	select {
	case r.inbound <- roomMessage{from: c, env: env}:
		return nil
	default:
		return errInvalidMessage("room is busy, retry join")
	}
}

// dispatch enqueues a message to a session's room loop. Best effort: a full
// inbound buffer drops the message rather than stalling the caller.
func (s *SignalServer) dispatch(sessionID domain.SessionID, msg roomMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[sessionID]
	if !ok {
		return false
	}

	// Enqueued under the lock so pruneRoom's buffer check cannot miss it.
	select {
	case r.inbound <- msg:
	default:
		s.logger.Warnw("room inbound buffer full, dropping message",
			"session_id", sessionID, "kind", msg.env.Kind)
	}
	return true
}

// roomLoop is the single consumer of a room's inbound channel. All registry
// mutations and broadcasts for the session happen here, in arrival order.
func (s *SignalServer) roomLoop(r *room) {
	for msg := range r.inbound {
		switch msg.env.Kind {
		case domain.EventJoin:
			s.roomJoin(r, msg)
		case domain.EventLeave:
			s.roomLeave(r, msg)
		case domain.EventOffer, domain.EventAnswer, domain.EventICECandidate:
			s.roomRelay(r, msg)
		case domain.EventChat:
			s.roomBroadcast(r, Envelope{
				Kind:      domain.EventChat,
				SessionID: r.id,
				From:      msg.from.id,
				Payload:   msg.env.Payload,
			}, msg.from.id)
		case domain.EventStatusUpdate:
			s.roomStatusUpdate(r, msg)
		default:
			// Server-emitted events pass through to every member.
			s.roomBroadcast(r, msg.env, "")
		}

		if len(r.members) == 0 && s.pruneRoom(r) {
			return
		}
	}
}

func (s *SignalServer) roomJoin(r *room, msg roomMessage) {
	var payload joinPayload
	if len(msg.env.Payload) > 0 {
		if err := json.Unmarshal(msg.env.Payload, &payload); err != nil {
			s.sendError(msg.from, "invalid join payload")
			return
		}
	}
	if payload.Role == "" {
		payload.Role = domain.RoleGuest
	}

	participant := &domain.Participant{
		ID:            msg.from.id,
		ConnectionID:  domain.ConnectionID(utils.GenerateID("conn")),
		Name:          payload.Name,
		Role:          payload.Role,
		AudioEnabled:  payload.AudioEnabled,
		VideoEnabled:  payload.VideoEnabled,
		ScreenSharing: payload.ScreenSharing,
		JoinedAt:      time.Now(),
	}

	// Registry write happens before the roster snapshot and the joined
	// broadcast, so the joiner's own entry is consistent with what the
	// rest of the room sees.
	s.registry.AddParticipant(r.id, participant)
	s.media.BindParticipant(r.id, participant.ID)
	r.members[participant.ID] = msg.from

	joined, err := json.Marshal(participantView(participant))
	if err == nil {
		s.roomBroadcast(r, Envelope{
			Kind:      domain.EventParticipantJoined,
			SessionID: r.id,
			From:      participant.ID,
			Payload:   joined,
		}, participant.ID)
	}

	roster := s.registry.ListParticipants(r.id)
	views := make([]map[string]any, 0, len(roster))
	for _, p := range roster {
		views = append(views, participantView(p))
	}
	raw, err := json.Marshal(map[string]any{"participants": views})
	if err != nil {
		return
	}
	if err := msg.from.send(Envelope{
		Kind:      domain.EventRoomParticipants,
		SessionID: r.id,
		Payload:   raw,
	}); err != nil {
		s.logger.Infow("error sending roster", "participant_id", participant.ID, "error", err)
	}

	s.logger.Infow("participant joined room",
		"session_id", r.id,
		"participant_id", participant.ID,
		"role", participant.Role,
		"room_size", len(roster),
	)
}

func (s *SignalServer) roomLeave(r *room, msg roomMessage) {
	pid := msg.env.From
	if _, ok := r.members[pid]; !ok {
		return
	}
	delete(r.members, pid)

	// Explicit leave still needs the registry write; disconnect paths have
	// already done it via RemoveFromAllSessions.
	s.registry.RemoveParticipant(r.id, pid)

	left, err := json.Marshal(map[string]any{"participant_id": pid})
	if err == nil {
		s.roomBroadcast(r, Envelope{
			Kind:      domain.EventParticipantLeft,
			SessionID: r.id,
			From:      pid,
			Payload:   left,
		}, pid)
	}

	s.logger.Infow("participant left room", "session_id", r.id, "participant_id", pid)
}

// roomRelay forwards a negotiation message verbatim to the named target. The
// payload is never inspected or rewritten.
func (s *SignalServer) roomRelay(r *room, msg roomMessage) {
	if msg.env.Target == "" {
		s.sendError(msg.from, "target is required for "+msg.env.Kind)
		return
	}
	target, ok := r.members[msg.env.Target]
	if !ok {
		s.sendError(msg.from, "target participant is not in the room")
		return
	}

	out := Envelope{
		Kind:      msg.env.Kind,
		SessionID: r.id,
		From:      msg.from.id,
		Payload:   msg.env.Payload,
	}
	if err := target.send(out); err != nil {
		s.logger.Infow("error relaying message",
			"session_id", r.id,
			"kind", msg.env.Kind,
			"from", msg.from.id,
			"to", msg.env.Target,
			"error", err,
		)
	}
}

func (s *SignalServer) roomStatusUpdate(r *room, msg roomMessage) {
	var payload statusPayload
	if err := json.Unmarshal(msg.env.Payload, &payload); err != nil {
		s.sendError(msg.from, "invalid status-update payload")
		return
	}

	s.registry.UpdateParticipant(r.id, msg.from.id, domain.ParticipantUpdate{
		Name:          payload.Name,
		AudioEnabled:  payload.AudioEnabled,
		VideoEnabled:  payload.VideoEnabled,
		ScreenSharing: payload.ScreenSharing,
	})

	s.roomBroadcast(r, Envelope{
		Kind:      domain.EventStatusUpdated,
		SessionID: r.id,
		From:      msg.from.id,
		Payload:   msg.env.Payload,
	}, msg.from.id)
}

// roomBroadcast sends an envelope to every member except the excluded one.
// Best effort; a failed send is logged and does not stop the fan-out.
func (s *SignalServer) roomBroadcast(r *room, env Envelope, exclude domain.ParticipantID) {
	for pid, member := range r.members {
		if pid == exclude {
			continue
		}
		if err := member.send(env); err != nil {
			s.logger.Infow("error broadcasting to member",
				"session_id", r.id, "participant_id", pid, "kind", env.Kind, "error", err)
		}
	}
}

// pruneRoom drops an emptied room. Returns false when new messages arrived
// while the decision was being made, in which case the loop keeps running.
func (s *SignalServer) pruneRoom(r *room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(r.inbound) > 0 {
		return false
	}
	if cur, ok := s.rooms[r.id]; ok && cur == r {
		delete(s.rooms, r.id)
	}
	s.logger.Infow("room pruned", "session_id", r.id)
	return true
}

func (s *SignalServer) sendError(c *client, message string) {
	raw, err := json.Marshal(map[string]any{"message": message})
	if err != nil {
		return
	}
	if err := c.send(Envelope{Kind: domain.EventError, Payload: raw}); err != nil {
		s.logger.Debugw("error sending error message", "participant_id", c.id, "error", err)
	}
}

func (s *SignalServer) ConnectedParticipants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *SignalServer) IsConnected(participantID domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[participantID]
	return ok
}

func participantView(p *domain.Participant) map[string]any {
	return map[string]any{
		"participant_id": p.ID,
		"name":           p.Name,
		"role":           p.Role,
		"audio_enabled":  p.AudioEnabled,
		"video_enabled":  p.VideoEnabled,
		"screen_sharing": p.ScreenSharing,
		"joined_at":      p.JoinedAt.Unix(),
	}
}

type errInvalidMessage string

func (e errInvalidMessage) Error() string { return string(e) }
