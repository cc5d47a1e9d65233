package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubMediaManager struct {
	mu     sync.Mutex
	bound  map[domain.ParticipantID]domain.SessionID
	closed []domain.ParticipantID
}

func newStubMediaManager() *stubMediaManager {
	return &stubMediaManager{bound: make(map[domain.ParticipantID]domain.SessionID)}
}

func (m *stubMediaManager) LoadCapabilities(domain.SessionID) ports.Capabilities {
	return ports.Capabilities{Version: 1}
}

func (m *stubMediaManager) CreateTransport(domain.ParticipantID, domain.TransportDirection, int) (*domain.TransportInfo, error) {
	return &domain.TransportInfo{}, nil
}

func (m *stubMediaManager) ConnectTransport(context.Context, domain.TransportID, domain.HandshakeParams) error {
	return nil
}

func (m *stubMediaManager) Produce(domain.TransportID, domain.MediaKind) (domain.ProducerID, error) {
	return "", nil
}

func (m *stubMediaManager) Consume(domain.TransportID, domain.ProducerID) (domain.ConsumerID, error) {
	return "", nil
}

func (m *stubMediaManager) SetTransportBitrate(domain.TransportID, int) error { return nil }

func (m *stubMediaManager) CloseParticipant(participantID domain.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, participantID)
	return nil
}

func (m *stubMediaManager) OpenProducers(domain.ParticipantID) []domain.ProducerInfo { return nil }

func (m *stubMediaManager) OpenResourceCount(domain.SessionID) domain.ResourceCount {
	return domain.ResourceCount{}
}

func (m *stubMediaManager) HasActiveTransports(domain.ParticipantID) bool { return false }

func (m *stubMediaManager) EnsureParticipantMedia(context.Context, domain.SessionID, domain.ParticipantID) error {
	return nil
}

func (m *stubMediaManager) BindParticipant(sessionID domain.SessionID, participantID domain.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound[participantID] = sessionID
}

func (m *stubMediaManager) closedParticipants() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ParticipantID(nil), m.closed...)
}

type signalFixture struct {
	server   *SignalServer
	registry *services.RoomRegistry
	media    *stubMediaManager
	httpSrv  *httptest.Server
}

func newSignalFixture(t *testing.T) *signalFixture {
	t.Helper()
	registry := services.NewRoomRegistry()
	media := newStubMediaManager()
	server := NewSignalServer(registry, media, ServerOptions{
		PingInterval: 10 * time.Second,
		PongTimeout:  20 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, zap.NewNop().Sugar())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	return &signalFixture{server: server, registry: registry, media: media, httpSrv: httpSrv}
}

func (f *signalFixture) dial(t *testing.T, participantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.httpSrv.URL, "http") + "/ws?participant_id=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *signalFixture) join(t *testing.T, conn *websocket.Conn, session domain.SessionID, name string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"name": name, "role": "guest", "audio_enabled": true, "video_enabled": true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{
		Kind:      domain.EventJoin,
		SessionID: session,
		Payload:   payload,
	}))
	env := readUntil(t, conn, domain.EventRoomParticipants)
	assert.Equal(t, session, env.SessionID)
}

// readUntil consumes envelopes until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", kind)
		if env.Kind == kind {
			return env
		}
	}
}

func TestJoinDeliversRoster(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "alice")
	payload, _ := json.Marshal(map[string]any{"name": "Alice"})
	require.NoError(t, conn.WriteJSON(Envelope{
		Kind:      domain.EventJoin,
		SessionID: "s1",
		Payload:   payload,
	}))

	env := readUntil(t, conn, domain.EventRoomParticipants)

	var roster struct {
		Participants []map[string]any `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &roster))
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "alice", roster.Participants[0]["participant_id"])
	assert.Equal(t, "Alice", roster.Participants[0]["name"])

	got, ok := f.registry.GetParticipant("s1", "alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, domain.RoleGuest, got.Role)

	f.media.mu.Lock()
	assert.Equal(t, domain.SessionID("s1"), f.media.bound["alice"])
	f.media.mu.Unlock()

	assert.True(t, f.server.IsConnected("alice"))
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")

	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")

	env := readUntil(t, alice, domain.EventParticipantJoined)
	assert.Equal(t, domain.ParticipantID("bob"), env.From)

	var view map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &view))
	assert.Equal(t, "Bob", view["name"])
}

func TestOfferRelayedVerbatimToTarget(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")
	readUntil(t, alice, domain.EventParticipantJoined)

	offer := json.RawMessage(`{"sdp":"v=0 fake offer","type":"offer"}`)
	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventOffer,
		SessionID: "s1",
		Target:    "bob",
		Payload:   offer,
	}))

	env := readUntil(t, bob, domain.EventOffer)
	assert.Equal(t, domain.ParticipantID("alice"), env.From)
	assert.JSONEq(t, string(offer), string(env.Payload))
}

func TestRelayToUnknownTargetReturnsError(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")

	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventICECandidate,
		SessionID: "s1",
		Target:    "ghost",
		Payload:   json.RawMessage(`{"candidate":"x"}`),
	}))

	env := readUntil(t, alice, domain.EventError)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Contains(t, body["message"], "not in the room")
}

func TestChatBroadcastSkipsSender(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")

	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventChat,
		SessionID: "s1",
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}))

	env := readUntil(t, bob, domain.EventChat)
	assert.Equal(t, domain.ParticipantID("alice"), env.From)
	assert.JSONEq(t, `{"text":"hello"}`, string(env.Payload))
}

func TestStatusUpdatePropagates(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")
	readUntil(t, alice, domain.EventParticipantJoined)

	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventStatusUpdate,
		SessionID: "s1",
		Payload:   json.RawMessage(`{"audio_enabled":false,"screen_sharing":true}`),
	}))

	env := readUntil(t, bob, domain.EventStatusUpdated)
	assert.Equal(t, domain.ParticipantID("alice"), env.From)

	require.Eventually(t, func() bool {
		p, ok := f.registry.GetParticipant("s1", "alice")
		return ok && !p.AudioEnabled && p.ScreenSharing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveRemovesParticipant(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")

	require.NoError(t, bob.WriteJSON(Envelope{
		Kind:      domain.EventLeave,
		SessionID: "s1",
	}))

	env := readUntil(t, alice, domain.EventParticipantLeft)
	assert.Equal(t, domain.ParticipantID("bob"), env.From)

	require.Eventually(t, func() bool {
		_, ok := f.registry.GetParticipant("s1", "bob")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectCleansUpEverywhere(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")

	bob.Close()

	env := readUntil(t, alice, domain.EventParticipantLeft)
	assert.Equal(t, domain.ParticipantID("bob"), env.From)

	require.Eventually(t, func() bool {
		return !f.server.IsConnected("bob")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, id := range f.media.closedParticipants() {
			if id == "bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.registry.TotalParticipants())
}

func TestSpoofedFromIsRejected(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")

	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventChat,
		SessionID: "s1",
		From:      "somebody-else",
		Payload:   json.RawMessage(`{"text":"spoofed"}`),
	}))

	env := readUntil(t, alice, domain.EventError)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Contains(t, body["message"], "from does not match")
}

func TestNotifyRoomReachesAllMembers(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	f.join(t, alice, "s1", "Alice")
	bob := f.dial(t, "bob")
	f.join(t, bob, "s1", "Bob")

	f.server.NotifyRoom("s1", domain.EventBroadcastStarted, map[string]any{
		"session_id": "s1",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntil(t, conn, domain.EventBroadcastStarted)
		assert.Equal(t, domain.SessionID("s1"), env.SessionID)
	}
}

func TestJoinWhileRoomEmptiesIsNeverLost(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	// Each round empties the room and immediately joins from the other
	// connection, so the join races the room loop's shutdown. The joiner
	// must always end up with a roster.
	for i := 0; i < 100; i++ {
		f.join(t, alice, "s1", "Alice")
		require.NoError(t, alice.WriteJSON(Envelope{
			Kind:      domain.EventLeave,
			SessionID: "s1",
		}))

		f.join(t, bob, "s1", "Bob")

		_, ok := f.registry.GetParticipant("s1", "bob")
		require.True(t, ok, "round %d: bob missing from registry after join", i)

		require.NoError(t, bob.WriteJSON(Envelope{
			Kind:      domain.EventLeave,
			SessionID: "s1",
		}))
	}
}

func TestDispatchToUnknownSessionFails(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(Envelope{
		Kind:      domain.EventChat,
		SessionID: "never-joined",
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}))

	env := readUntil(t, alice, domain.EventError)
	var body map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Contains(t, body["message"], "session not found")
}
