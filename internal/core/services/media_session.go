package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/pkg/optimize"
	"stagecast/pkg/tracing"
	"stagecast/pkg/utils"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpMTU bounds a single RTP packet read off a remote track.
const rtpMTU = 1500

// MediaConfig holds transport-layer settings for the media session manager.
type MediaConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ConnectTimeout time.Duration
	InitialBitrate int // bps ceiling assigned to new transports
	MinBitrate     int // bps floor for congestion backoff
}

type transport struct {
	info      domain.TransportInfo
	pc        *webrtc.PeerConnection
	connected chan struct{}
}

type producer struct {
	info       domain.ProducerInfo
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	forwarding bool

	sinkMu sync.RWMutex
	sinks  []ports.RTPSink
}

func (p *producer) attachSink(sink ports.RTPSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sinks = append(p.sinks, sink)
}

func (p *producer) detachSink(sink ports.RTPSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	for i, s := range p.sinks {
		if s == sink {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			return
		}
	}
}

func (p *producer) closeSinks() {
	p.sinkMu.Lock()
	sinks := p.sinks
	p.sinks = nil
	p.sinkMu.Unlock()
	for _, s := range sinks {
		s.Close()
	}
}

type consumer struct {
	info   domain.ConsumerInfo
	sender *webrtc.RTPSender
}

type participantMedia struct {
	send *transport
	recv *transport
}

type sessionCaps struct {
	version int
}

// MediaSessionService owns the per-participant media graph: a send and a
// receive transport, producers for outgoing tracks and consumers referencing
// other participants' producers. Resources are exclusively owned by their
// participant and released bottom-up on close.
type MediaSessionService struct {
	cfg MediaConfig
	api *webrtc.API

	mu           sync.RWMutex
	caps         map[domain.SessionID]*sessionCaps
	transports   map[domain.TransportID]*transport
	producers    map[domain.ProducerID]*producer
	consumers    map[domain.ConsumerID]*consumer
	participants map[domain.ParticipantID]*participantMedia
	sessionOf    map[domain.ParticipantID]domain.SessionID

	bufPool *optimize.BytePool
	logger  *zap.SugaredLogger
}

func NewMediaSessionService(cfg MediaConfig, logger *zap.SugaredLogger) (*MediaSessionService, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid media port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Interval PLI keeps keyframes coming for late consumers and a freshly
	// started composition.
	registry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &MediaSessionService{
		cfg:          cfg,
		api:          api,
		caps:         make(map[domain.SessionID]*sessionCaps),
		transports:   make(map[domain.TransportID]*transport),
		producers:    make(map[domain.ProducerID]*producer),
		consumers:    make(map[domain.ConsumerID]*consumer),
		participants: make(map[domain.ParticipantID]*participantMedia),
		sessionOf:    make(map[domain.ParticipantID]domain.SessionID),
		bufPool:      optimize.NewBytePool(rtpMTU),
		logger:       logger,
	}, nil
}

var (
	_ ports.MediaSessionManager = (*MediaSessionService)(nil)
	_ ports.ProducerTapper      = (*MediaSessionService)(nil)
)

// BindParticipant records which session a participant's media belongs to.
// Called by the signaling relay on join, before any transport is created.
func (s *MediaSessionService) BindParticipant(sessionID domain.SessionID, participantID domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOf[participantID] = sessionID
	if _, ok := s.caps[sessionID]; !ok {
		s.caps[sessionID] = &sessionCaps{version: 1}
	}
}

// LoadCapabilities returns the shared capability set for a session together
// with its version. Transports must be created against the current version.
func (s *MediaSessionService) LoadCapabilities(sessionID domain.SessionID) ports.Capabilities {
	s.mu.Lock()
	sc, ok := s.caps[sessionID]
	if !ok {
		sc = &sessionCaps{version: 1}
		s.caps[sessionID] = sc
	}
	version := sc.version
	s.mu.Unlock()

	return ports.Capabilities{
		Version: version,
		AudioCodecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		},
		VideoCodecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		},
	}
}

// BumpCapabilities invalidates previously fetched capability sets for a
// session, forcing clients to renegotiate.
func (s *MediaSessionService) BumpCapabilities(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.caps[sessionID]; ok {
		sc.version++
	} else {
		s.caps[sessionID] = &sessionCaps{version: 2}
	}
}

func (s *MediaSessionService) CreateTransport(participantID domain.ParticipantID, direction domain.TransportDirection, capsVersion int) (*domain.TransportInfo, error) {
	if direction != domain.DirectionSend && direction != domain.DirectionRecv {
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}

	s.mu.Lock()
	sessionID, bound := s.sessionOf[participantID]
	if !bound {
		s.mu.Unlock()
		return nil, domain.ErrParticipantNotFound
	}
	if sc, ok := s.caps[sessionID]; ok && sc.version != capsVersion {
		s.mu.Unlock()
		return nil, domain.ErrCapabilityMismatch
	}
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   s.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	tr := &transport{
		info: domain.TransportInfo{
			ID:          domain.TransportID(utils.GenerateTransportID()),
			Participant: participantID,
			Direction:   direction,
			State:       domain.ResourceCreated,
			MaxBitrate:  s.cfg.InitialBitrate,
			CreatedAt:   time.Now(),
		},
		pc:        pc,
		connected: make(chan struct{}),
	}

	if direction == domain.DirectionSend {
		// One audio and two video slots so camera and screen share can ride
		// the same transport.
		kinds := []webrtc.RTPCodecType{
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPCodecTypeVideo,
		}
		for _, kind := range kinds {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add transceiver: %w", err)
			}
		}
		pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			go s.forwardTrack(tr, remote)
		})
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Infow("transport ICE state changed",
			"transport_id", tr.info.ID,
			"participant_id", participantID,
			"ice_state", state,
		)
		if state == webrtc.ICEConnectionStateConnected {
			select {
			case <-tr.connected:
			default:
				close(tr.connected)
			}
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.participants[participantID]
	if !ok {
		pm = &participantMedia{}
		s.participants[participantID] = pm
	}
	switch direction {
	case domain.DirectionSend:
		if pm.send != nil && pm.send.info.State != domain.ResourceClosed {
			pc.Close()
			return nil, fmt.Errorf("participant %s already has a send transport", participantID)
		}
		pm.send = tr
	case domain.DirectionRecv:
		if pm.recv != nil && pm.recv.info.State != domain.ResourceClosed {
			pc.Close()
			return nil, fmt.Errorf("participant %s already has a recv transport", participantID)
		}
		pm.recv = tr
	}
	s.transports[tr.info.ID] = tr

	s.logger.Infow("transport created",
		"transport_id", tr.info.ID,
		"participant_id", participantID,
		"direction", direction,
		"max_bitrate", tr.info.MaxBitrate,
	)

	info := tr.info
	return &info, nil
}

// ConnectTransport applies the client's half of the handshake and waits for
// the transport to come up, bounded by the configured connect timeout.
func (s *MediaSessionService) ConnectTransport(ctx context.Context, transportID domain.TransportID, handshake domain.HandshakeParams) error {
	s.mu.RLock()
	tr, ok := s.transports[transportID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrTransportNotFound
	}

	ctx, span := tracing.TraceMedia(ctx, "connect_transport", string(tr.info.Participant))
	defer span.End()
	if handshake.AnswerSDP == "" {
		return fmt.Errorf("handshake answer must not be empty")
	}

	offer, err := tr.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := tr.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := tr.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  handshake.AnswerSDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tr.connected:
	case <-ctx.Done():
		return fmt.Errorf("connect cancelled: %w", ctx.Err())
	case <-timer.C:
		return domain.ErrNegotiationTimeout
	}

	s.mu.Lock()
	if tr.info.State == domain.ResourceCreated {
		tr.info.State = domain.ResourceOpen
	}
	s.mu.Unlock()

	s.logger.Infow("transport connected", "transport_id", transportID)
	return nil
}

// Produce creates an outgoing track on a send transport. The producer is
// open once the track is attached, which is the precondition for consumers.
func (s *MediaSessionService) Produce(transportID domain.TransportID, kind domain.MediaKind) (domain.ProducerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transports[transportID]
	if !ok {
		return "", domain.ErrTransportNotFound
	}
	if tr.info.State == domain.ResourceClosed {
		return "", domain.ErrTransportNotFound
	}
	if tr.info.Direction != domain.DirectionSend {
		return "", domain.ErrDirectionMismatch
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == domain.MediaAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}

	producerID := domain.ProducerID(utils.GenerateProducerID())
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(producerID), string(tr.info.Participant))
	if err != nil {
		return "", fmt.Errorf("failed to create track: %w", err)
	}
	// This AddTrack is never renegotiated with the sending client, so the
	// sender stays inert for output. It is kept only as the RemoveTrack
	// anchor used when the producer closes. RTCP feedback is read on
	// consumer-side senders, where reports actually arrive.
	sender, err := tr.pc.AddTrack(track)
	if err != nil {
		return "", fmt.Errorf("failed to add track: %w", err)
	}

	p := &producer{
		info: domain.ProducerInfo{
			ID:          producerID,
			TransportID: transportID,
			Participant: tr.info.Participant,
			Kind:        kind,
			State:       domain.ResourceOpen,
			CreatedAt:   time.Now(),
		},
		track:  track,
		sender: sender,
	}
	s.producers[producerID] = p

	s.logger.Infow("producer opened",
		"producer_id", producerID,
		"transport_id", transportID,
		"participant_id", tr.info.Participant,
		"kind", kind,
	)
	return producerID, nil
}

// Consume attaches another participant's producer track to a recv transport.
// The producer must be open; attempting earlier fails with ErrNotReady for
// every interleaving because producer state and consumer creation share the
// manager lock.
func (s *MediaSessionService) Consume(transportID domain.TransportID, producerID domain.ProducerID) (domain.ConsumerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transports[transportID]
	if !ok || tr.info.State == domain.ResourceClosed {
		return "", domain.ErrTransportNotFound
	}
	if tr.info.Direction != domain.DirectionRecv {
		return "", domain.ErrDirectionMismatch
	}

	p, ok := s.producers[producerID]
	if !ok {
		return "", domain.ErrProducerNotFound
	}
	if p.info.State != domain.ResourceOpen {
		return "", domain.ErrNotReady
	}

	sender, err := tr.pc.AddTrack(p.track)
	if err != nil {
		return "", fmt.Errorf("failed to add track to consumer transport: %w", err)
	}

	consumerID := domain.ConsumerID(utils.GenerateConsumerID())
	s.consumers[consumerID] = &consumer{
		info: domain.ConsumerInfo{
			ID:          consumerID,
			TransportID: transportID,
			ProducerID:  producerID,
			Participant: tr.info.Participant,
			Kind:        p.info.Kind,
			State:       domain.ResourceOpen,
			CreatedAt:   time.Now(),
		},
		sender: sender,
	}

	go s.watchCongestion(tr, sender)

	s.logger.Infow("consumer opened",
		"consumer_id", consumerID,
		"producer_id", producerID,
		"participant_id", tr.info.Participant,
	)
	return consumerID, nil
}

// SetTransportBitrate adjusts the outgoing bitrate ceiling without tearing
// the transport down. Values are clamped to [MinBitrate, InitialBitrate].
func (s *MediaSessionService) SetTransportBitrate(transportID domain.TransportID, bitrate int) error {
	if bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transports[transportID]
	if !ok || tr.info.State == domain.ResourceClosed {
		return domain.ErrTransportNotFound
	}

	if bitrate < s.cfg.MinBitrate {
		bitrate = s.cfg.MinBitrate
	}
	if bitrate > s.cfg.InitialBitrate {
		bitrate = s.cfg.InitialBitrate
	}
	tr.info.MaxBitrate = bitrate

	s.logger.Infow("transport bitrate adjusted",
		"transport_id", transportID,
		"max_bitrate", bitrate,
	)
	return nil
}

// CloseParticipant releases the participant's entire media graph bottom-up:
// producers first, then every consumer referencing them (wherever it lives),
// then the participant's own consumers, then both transports.
func (s *MediaSessionService) CloseParticipant(participantID domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.participants[participantID]
	if !ok {
		return nil // idempotent on absence
	}

	// Producers owned by this participant.
	var ownedProducers []domain.ProducerID
	for id, p := range s.producers {
		if p.info.Participant == participantID && p.info.State != domain.ResourceClosed {
			ownedProducers = append(ownedProducers, id)
		}
	}
	for _, id := range ownedProducers {
		s.closeProducerLocked(id)
	}

	// Consumers on other participants referencing the closed producers are
	// already gone; now the participant's own consumers.
	for id, c := range s.consumers {
		if c.info.Participant == participantID && c.info.State != domain.ResourceClosed {
			s.closeConsumerLocked(id)
		}
	}

	for _, tr := range []*transport{pm.send, pm.recv} {
		if tr == nil || tr.info.State == domain.ResourceClosed {
			continue
		}
		if err := tr.pc.Close(); err != nil {
			s.logger.Warnw("error closing transport peer connection",
				"transport_id", tr.info.ID,
				"error", err,
			)
		}
		tr.info.State = domain.ResourceClosed
		delete(s.transports, tr.info.ID)
	}

	delete(s.participants, participantID)
	delete(s.sessionOf, participantID)

	s.logger.Infow("participant media released", "participant_id", participantID)
	return nil
}

// closeProducerLocked closes a producer and every consumer referencing it.
// Caller holds s.mu.
func (s *MediaSessionService) closeProducerLocked(producerID domain.ProducerID) {
	p, ok := s.producers[producerID]
	if !ok {
		return
	}

	for id, c := range s.consumers {
		if c.info.ProducerID == producerID && c.info.State != domain.ResourceClosed {
			s.closeConsumerLocked(id)
		}
	}

	if p.sender != nil {
		if tr, ok := s.transports[p.info.TransportID]; ok && tr.info.State != domain.ResourceClosed {
			if err := tr.pc.RemoveTrack(p.sender); err != nil {
				s.logger.Warnw("error removing producer track", "producer_id", producerID, "error", err)
			}
		}
	}
	p.info.State = domain.ResourceClosed
	p.closeSinks()
	delete(s.producers, producerID)
}

// closeConsumerLocked closes one consumer. Caller holds s.mu.
func (s *MediaSessionService) closeConsumerLocked(consumerID domain.ConsumerID) {
	c, ok := s.consumers[consumerID]
	if !ok {
		return
	}
	if c.sender != nil {
		if tr, ok := s.transports[c.info.TransportID]; ok && tr.info.State != domain.ResourceClosed {
			if err := tr.pc.RemoveTrack(c.sender); err != nil {
				s.logger.Warnw("error removing consumer track", "consumer_id", consumerID, "error", err)
			}
		}
	}
	c.info.State = domain.ResourceClosed
	delete(s.consumers, consumerID)
}

// OpenProducers lists the participant's open producers in creation order.
func (s *MediaSessionService) OpenProducers(participantID domain.ParticipantID) []domain.ProducerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ProducerInfo
	for _, p := range s.producers {
		if p.info.Participant == participantID && p.info.State == domain.ResourceOpen {
			out = append(out, p.info)
		}
	}
	return out
}

// OpenResourceCount counts open media resources owned by participants bound
// to the session.
func (s *MediaSessionService) OpenResourceCount(sessionID domain.SessionID) domain.ResourceCount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inSession := func(pid domain.ParticipantID) bool {
		return s.sessionOf[pid] == sessionID
	}

	var count domain.ResourceCount
	for _, tr := range s.transports {
		if tr.info.State != domain.ResourceClosed && inSession(tr.info.Participant) {
			count.Transports++
		}
	}
	for _, p := range s.producers {
		if p.info.State == domain.ResourceOpen && inSession(p.info.Participant) {
			count.Producers++
		}
	}
	for _, c := range s.consumers {
		if c.info.State == domain.ResourceOpen && inSession(c.info.Participant) {
			count.Consumers++
		}
	}
	return count
}

func (s *MediaSessionService) HasActiveTransports(participantID domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pm, ok := s.participants[participantID]
	if !ok {
		return false
	}
	return pm.send != nil && pm.send.info.State != domain.ResourceClosed &&
		pm.recv != nil && pm.recv.info.State != domain.ResourceClosed
}

// EnsureParticipantMedia guarantees the participant has a transport pair,
// creating missing ones against the current capability version. Used by the
// lifecycle controller when a session goes live.
func (s *MediaSessionService) EnsureParticipantMedia(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error {
	s.BindParticipant(sessionID, participantID)
	caps := s.LoadCapabilities(sessionID)

	s.mu.RLock()
	pm := s.participants[participantID]
	needSend := pm == nil || pm.send == nil || pm.send.info.State == domain.ResourceClosed
	needRecv := pm == nil || pm.recv == nil || pm.recv.info.State == domain.ResourceClosed
	s.mu.RUnlock()

	if needSend {
		if _, err := s.CreateTransport(participantID, domain.DirectionSend, caps.Version); err != nil {
			return fmt.Errorf("ensure send transport: %w", err)
		}
	}
	if needRecv {
		if _, err := s.CreateTransport(participantID, domain.DirectionRecv, caps.Version); err != nil {
			return fmt.Errorf("ensure recv transport: %w", err)
		}
	}
	return nil
}

// AttachProducerSink taps a producer's incoming RTP with an extra writer.
// The sink is closed with the producer unless detached first.
func (s *MediaSessionService) AttachProducerSink(producerID domain.ProducerID, sink ports.RTPSink) error {
	s.mu.RLock()
	p, ok := s.producers[producerID]
	s.mu.RUnlock()
	if !ok || p.info.State != domain.ResourceOpen {
		return domain.ErrProducerNotFound
	}
	p.attachSink(sink)
	return nil
}

func (s *MediaSessionService) DetachProducerSink(producerID domain.ProducerID, sink ports.RTPSink) {
	s.mu.RLock()
	p, ok := s.producers[producerID]
	s.mu.RUnlock()
	if ok {
		p.detachSink(sink)
	}
}

// forwardTrack pumps one remote track into the participant's matching
// producer: consumers are fed through the producer's local track, attached
// sinks get the parsed packets. The loop ends when the remote track or the
// transport goes away.
func (s *MediaSessionService) forwardTrack(tr *transport, remote *webrtc.TrackRemote) {
	kind := domain.MediaVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.MediaAudio
	}

	p := s.claimForwardTarget(tr.info.Participant, kind)
	if p == nil {
		s.logger.Warnw("no open producer for incoming track",
			"participant_id", tr.info.Participant,
			"kind", kind,
		)
		return
	}

	s.logger.Infow("forwarding incoming track",
		"participant_id", tr.info.Participant,
		"producer_id", p.info.ID,
		"kind", kind,
	)

	buf := s.bufPool.Get()
	defer s.bufPool.Put(buf)

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if _, err := p.track.Write(buf[:n]); err != nil {
			s.logger.Warnw("producer track write failed",
				"producer_id", p.info.ID,
				"error", err,
			)
			return
		}

		p.sinkMu.RLock()
		sinks := p.sinks
		p.sinkMu.RUnlock()
		if len(sinks) > 0 {
			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			for _, sink := range sinks {
				if err := sink.WriteRTP(&pkt); err != nil {
					p.detachSink(sink)
				}
			}
		}
	}
}

// claimForwardTarget finds the participant's open producer for the track kind
// and marks it as fed, so a second track of the same kind is not misrouted.
// Polls briefly because clients may attach tracks before calling produce.
func (s *MediaSessionService) claimForwardTarget(participantID domain.ParticipantID, kind domain.MediaKind) *producer {
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		for _, p := range s.producers {
			if p.info.Participant != participantID || p.info.State != domain.ResourceOpen || p.forwarding {
				continue
			}
			matches := p.info.Kind == kind ||
				(kind == domain.MediaVideo && p.info.Kind == domain.MediaScreen)
			if matches {
				p.forwarding = true
				s.mu.Unlock()
				return p
			}
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// watchCongestion reads RTCP feedback for one outgoing track and lowers the
// transport's bitrate ceiling on loss reports. The loop exits when the
// sender is closed with the transport.
func (s *MediaSessionService) watchCongestion(tr *transport, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					// FractionLost is /256; back off at >5% loss.
					if report.FractionLost > 13 {
						s.reduceBitrate(tr.info.ID)
					}
				}
			case *rtcp.TransportLayerNack:
				if len(p.Nacks) > 0 {
					s.reduceBitrate(tr.info.ID)
				}
			}
		}
	}
}

// reduceBitrate applies a multiplicative decrease, respecting the floor.
func (s *MediaSessionService) reduceBitrate(transportID domain.TransportID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transports[transportID]
	if !ok || tr.info.State == domain.ResourceClosed {
		return
	}
	next := tr.info.MaxBitrate * 3 / 4
	if next < s.cfg.MinBitrate {
		next = s.cfg.MinBitrate
	}
	if next != tr.info.MaxBitrate {
		tr.info.MaxBitrate = next
		s.logger.Debugw("congestion backoff",
			"transport_id", transportID,
			"max_bitrate", next,
		)
	}
}
