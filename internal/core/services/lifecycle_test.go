package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// callLog records cross-fake call order so teardown sequencing is checkable.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSessionRepo struct {
	mu        sync.Mutex
	sessions  map[domain.SessionID]*domain.Session
	updateErr error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[domain.SessionID]*domain.Session)}
}

func (r *fakeSessionRepo) Create(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (r *fakeSessionRepo) Update(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.sessions[session.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) ListByState(_ context.Context, state domain.SessionState) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, session := range r.sessions {
		if session.State == state {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) mustGet(t *testing.T, id domain.SessionID) *domain.Session {
	t.Helper()
	session, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return session
}

type fakeComposer struct {
	mu       sync.Mutex
	log      *callLog
	startErr error
	nextJob  int
	jobs     map[domain.JobID]*domain.CompositionJob
	active   map[domain.SessionID]domain.JobID
	stopped  []domain.JobID
}

func newFakeComposer(log *callLog) *fakeComposer {
	return &fakeComposer{
		log:    log,
		jobs:   make(map[domain.JobID]*domain.CompositionJob),
		active: make(map[domain.SessionID]domain.JobID),
	}
}

func (c *fakeComposer) StartComposition(_ context.Context, session *domain.Session) (domain.JobID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return "", c.startErr
	}
	c.nextJob++
	job := &domain.CompositionJob{
		ID:        domain.JobID(fmt.Sprintf("job-%d", c.nextJob)),
		SessionID: session.ID,
		Layout:    session.Layout.Kind,
		OutputURL: fmt.Sprintf("rtmp://localhost/compose/%s", session.ID),
		Status:    domain.JobProcessing,
	}
	c.jobs[job.ID] = job
	c.active[session.ID] = job.ID
	return job.ID, nil
}

func (c *fakeComposer) StopComposition(jobID domain.JobID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	c.log.add("composer.stop")
	c.stopped = append(c.stopped, jobID)
	job.Status = domain.JobCompleted
	delete(c.active, job.SessionID)
	return nil
}

func (c *fakeComposer) JobStatus(jobID domain.JobID) (domain.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return job.Status, nil
}

func (c *fakeComposer) Job(jobID domain.JobID) (*domain.CompositionJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (c *fakeComposer) ActiveJob(sessionID domain.SessionID) (*domain.CompositionJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobID, ok := c.active[sessionID]
	if !ok {
		return nil, false
	}
	cp := *c.jobs[jobID]
	return &cp, true
}

func (c *fakeComposer) stoppedJobs() []domain.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.JobID(nil), c.stopped...)
}

type fakeRelay struct {
	mu         sync.Mutex
	log        *callLog
	startErr   error
	started    map[domain.JobID]string
	stopped    []domain.JobID
	added      []domain.DestinationConfig
	removed    []domain.DestinationID
	removeErr  error
	testStatus domain.DestinationStatus
}

func newFakeRelay(log *callLog) *fakeRelay {
	return &fakeRelay{
		log:        log,
		started:    make(map[domain.JobID]string),
		removeErr:  domain.ErrDestinationNotFound,
		testStatus: domain.DestinationConnected,
	}
}

func (r *fakeRelay) StartForJob(_ context.Context, jobID domain.JobID, _ domain.SessionID, outputURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started[jobID] = outputURL
	return nil
}

func (r *fakeRelay) StopForJob(jobID domain.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.add("relay.stop")
	r.stopped = append(r.stopped, jobID)
}

func (r *fakeRelay) AddDestination(_ context.Context, _ domain.JobID, config domain.DestinationConfig) (domain.DestinationID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if config.ID == "" {
		config.ID = domain.DestinationID(fmt.Sprintf("dest-%d", len(r.added)+1))
	}
	r.added = append(r.added, config)
	return config.ID, nil
}

func (r *fakeRelay) RemoveDestination(destinationID domain.DestinationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, destinationID)
	return nil
}

func (r *fakeRelay) TestDestination(context.Context, domain.DestinationID) (domain.DestinationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.testStatus, nil
}

func (r *fakeRelay) DestinationStatus(domain.DestinationID) (domain.DestinationStatus, error) {
	return "", domain.ErrDestinationNotFound
}

func (r *fakeRelay) ActiveDestinations(domain.JobID) []domain.DestinationID { return nil }

func (r *fakeRelay) startedJobs() map[domain.JobID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.JobID]string, len(r.started))
	for k, v := range r.started {
		out[k] = v
	}
	return out
}

func (r *fakeRelay) stoppedJobs() []domain.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobID(nil), r.stopped...)
}

type notifiedEvent struct {
	session domain.SessionID
	event   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifiedEvent
}

func (n *fakeNotifier) NotifyRoom(sessionID domain.SessionID, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifiedEvent{session: sessionID, event: event})
}

func (n *fakeNotifier) byEvent(event string) []notifiedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifiedEvent
	for _, e := range n.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type lifecycleFixture struct {
	svc      *LifecycleService
	sessions *fakeSessionRepo
	dests    *fakeDestinationRepo
	registry *RoomRegistry
	media    *fakeMediaManager
	composer *fakeComposer
	relay    *fakeRelay
	notifier *fakeNotifier
	log      *callLog
}

func newLifecycleFixture() *lifecycleFixture {
	log := &callLog{}
	f := &lifecycleFixture{
		sessions: newFakeSessionRepo(),
		dests:    newFakeDestinationRepo(),
		registry: NewRoomRegistry(),
		media:    newFakeMediaManager(),
		composer: newFakeComposer(log),
		relay:    newFakeRelay(log),
		notifier: &fakeNotifier{},
		log:      log,
	}
	f.svc = NewLifecycleService(
		f.sessions, f.dests, f.registry, f.media,
		f.composer, f.relay, f.notifier,
		zap.NewNop().Sugar(),
	)
	return f
}

func (f *lifecycleFixture) schedule(t *testing.T, layout domain.LayoutConfig) domain.SessionID {
	t.Helper()
	id, err := f.svc.ScheduleSession(context.Background(), "test broadcast", layout)
	require.NoError(t, err)
	return id
}

func TestScheduleSessionAppliesDefaults(t *testing.T) {
	f := newLifecycleFixture()

	id := f.schedule(t, domain.LayoutConfig{})

	session := f.sessions.mustGet(t, id)
	assert.Equal(t, domain.SessionScheduled, session.State)
	assert.Equal(t, domain.LayoutGrid, session.Layout.Kind)
	assert.Equal(t, 10, session.Layout.MaxParticipants)
	assert.False(t, session.CreatedAt.IsZero())
}

func TestStartTakesSessionLive(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{Kind: domain.LayoutSpotlight})

	f.registry.AddParticipant(id, newParticipant("alice"))
	f.registry.AddParticipant(id, newParticipant("bob"))

	require.NoError(t, f.svc.Start(context.Background(), id))

	session := f.sessions.mustGet(t, id)
	assert.Equal(t, domain.SessionLive, session.State)
	assert.False(t, session.StartedAt.IsZero())

	assert.ElementsMatch(t, []domain.ParticipantID{"alice", "bob"}, f.media.ensured)

	job, ok := f.composer.ActiveJob(id)
	require.True(t, ok)
	started := f.relay.startedJobs()
	assert.Equal(t, job.OutputURL, started[job.ID])

	events := f.notifier.byEvent(domain.EventBroadcastStarted)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].session)
}

func TestStartRequiresScheduledState(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	require.NoError(t, f.svc.Start(context.Background(), id))
	assert.ErrorIs(t, f.svc.Start(context.Background(), id), domain.ErrInvalidTransition)

	assert.ErrorIs(t, f.svc.Start(context.Background(), "missing"), domain.ErrSessionNotFound)
}

func TestStartRollsBackWhenMediaFails(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	f.registry.AddParticipant(id, newParticipant("alice"))
	f.registry.AddParticipant(id, newParticipant("bob"))
	f.media.ensureErr["bob"] = errors.New("no transport")

	require.Error(t, f.svc.Start(context.Background(), id))

	// Alice's media was acquired before the failure and must be released.
	assert.Equal(t, []domain.ParticipantID{"alice"}, f.media.closedParticipants())
	assert.Empty(t, f.relay.startedJobs())
	assert.Equal(t, domain.SessionScheduled, f.sessions.mustGet(t, id).State)
}

func TestStartRollsBackWhenCompositionFails(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	f.registry.AddParticipant(id, newParticipant("alice"))
	f.composer.startErr = errors.New("renderer unavailable")

	require.Error(t, f.svc.Start(context.Background(), id))

	assert.Equal(t, []domain.ParticipantID{"alice"}, f.media.closedParticipants())
	assert.Empty(t, f.relay.startedJobs())
	assert.Equal(t, domain.SessionScheduled, f.sessions.mustGet(t, id).State)
}

func TestStartRollsBackWhenFanoutFails(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	f.registry.AddParticipant(id, newParticipant("alice"))
	f.relay.startErr = errors.New("repository down")

	require.Error(t, f.svc.Start(context.Background(), id))

	// The composition job acquired before the fan-out failure is stopped.
	assert.Len(t, f.composer.stoppedJobs(), 1)
	assert.Equal(t, []domain.ParticipantID{"alice"}, f.media.closedParticipants())
	assert.Equal(t, domain.SessionScheduled, f.sessions.mustGet(t, id).State)
}

func TestEndTearsDownSinkFirst(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	f.registry.AddParticipant(id, newParticipant("alice"))
	f.registry.AddParticipant(id, newParticipant("bob"))
	require.NoError(t, f.svc.Start(context.Background(), id))

	require.NoError(t, f.svc.End(context.Background(), id))

	session := f.sessions.mustGet(t, id)
	assert.Equal(t, domain.SessionEnded, session.State)
	assert.False(t, session.EndedAt.IsZero())

	// Fan-out workers stop before the composition job they consume from.
	assert.Equal(t, []string{"relay.stop", "composer.stop"}, f.log.snapshot())

	assert.ElementsMatch(t, []domain.ParticipantID{"alice", "bob"}, f.media.closedParticipants())
	assert.Empty(t, f.registry.ListParticipants(id))

	events := f.notifier.byEvent(domain.EventBroadcastEnded)
	require.Len(t, events, 1)
}

func TestEndIsIdempotent(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})
	require.NoError(t, f.svc.Start(context.Background(), id))

	require.NoError(t, f.svc.End(context.Background(), id))
	require.NoError(t, f.svc.End(context.Background(), id))

	assert.Len(t, f.notifier.byEvent(domain.EventBroadcastEnded), 1)
	assert.Len(t, f.relay.stoppedJobs(), 1)
}

func TestEndRejectsScheduledSession(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	assert.ErrorIs(t, f.svc.End(context.Background(), id), domain.ErrInvalidTransition)
}

func TestAddDestinationBeforeStartPersists(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})

	destID, err := f.svc.AddDestination(context.Background(), id, domain.DestinationConfig{
		Platform:  domain.PlatformYouTube,
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "yt-key",
		Enabled:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, destID)

	saved, err := f.dests.GetByID(context.Background(), destID)
	require.NoError(t, err)
	assert.Equal(t, id, saved.SessionID)
	assert.False(t, saved.CreatedAt.IsZero())

	// Nothing went to the relay; the session is not live yet.
	assert.Empty(t, f.relay.added)
}

func TestAddDestinationWhileLiveGoesToRelay(t *testing.T) {
	f := newLifecycleFixture()
	id := f.schedule(t, domain.LayoutConfig{})
	require.NoError(t, f.svc.Start(context.Background(), id))

	destID, err := f.svc.AddDestination(context.Background(), id, domain.DestinationConfig{
		Platform: domain.PlatformTwitch,
		RTMPURL:  "rtmp://live.twitch.tv/app",
		Enabled:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, destID)

	require.Len(t, f.relay.added, 1)
	assert.Equal(t, id, f.relay.added[0].SessionID)
}

func TestRemoveDestinationChecksOwnership(t *testing.T) {
	f := newLifecycleFixture()
	mine := f.schedule(t, domain.LayoutConfig{})
	theirs := f.schedule(t, domain.LayoutConfig{})

	destID, err := f.svc.AddDestination(context.Background(), theirs, domain.DestinationConfig{
		Platform: domain.PlatformCustom,
		RTMPURL:  "rtmp://elsewhere.example.com/live",
	})
	require.NoError(t, err)

	err = f.svc.RemoveDestination(context.Background(), mine, destID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.dests.GetByID(context.Background(), destID)
	assert.NoError(t, err)

	require.NoError(t, f.svc.RemoveDestination(context.Background(), theirs, destID))
	_, err = f.dests.GetByID(context.Background(), destID)
	assert.ErrorIs(t, err, domain.ErrDestinationNotFound)
}

// Full broadcast run: a host and two guests, destinations registered before
// going live, a third added mid-broadcast, then a clean shutdown.
func TestBroadcastScenarioHostAndTwoGuests(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	id := f.schedule(t, domain.LayoutConfig{Kind: domain.LayoutGrid})

	f.registry.AddParticipant(id, newParticipant("host"))
	f.registry.AddParticipant(id, newParticipant("guest-1"))
	f.registry.AddParticipant(id, newParticipant("guest-2"))

	ytID, err := f.svc.AddDestination(ctx, id, domain.DestinationConfig{
		Platform:  domain.PlatformYouTube,
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "yt-key",
		Enabled:   true,
	})
	require.NoError(t, err)

	fbID, err := f.svc.AddDestination(ctx, id, domain.DestinationConfig{
		Platform:  domain.PlatformFacebook,
		RTMPURL:   "rtmps://live-api-s.facebook.com:443/rtmp",
		StreamKey: "fb-key",
		Enabled:   true,
	})
	require.NoError(t, err)
	require.NotEqual(t, ytID, fbID)

	require.NoError(t, f.svc.Start(ctx, id))

	assert.ElementsMatch(t,
		[]domain.ParticipantID{"host", "guest-1", "guest-2"}, f.media.ensured)
	job, ok := f.composer.ActiveJob(id)
	require.True(t, ok)
	assert.Equal(t, job.OutputURL, f.relay.startedJobs()[job.ID])

	// A destination added mid-broadcast goes straight to the relay.
	twitchID, err := f.svc.AddDestination(ctx, id, domain.DestinationConfig{
		Platform: domain.PlatformTwitch,
		RTMPURL:  "rtmp://live.twitch.tv/app",
		Enabled:  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, twitchID)
	require.Len(t, f.relay.added, 1)

	require.NoError(t, f.svc.End(ctx, id))

	assert.Equal(t, domain.SessionEnded, f.sessions.mustGet(t, id).State)
	assert.Equal(t, []string{"relay.stop", "composer.stop"}, f.log.snapshot())
	assert.ElementsMatch(t,
		[]domain.ParticipantID{"host", "guest-1", "guest-2"}, f.media.closedParticipants())
	assert.Zero(t, f.registry.TotalParticipants())

	require.Len(t, f.notifier.byEvent(domain.EventBroadcastStarted), 1)
	require.Len(t, f.notifier.byEvent(domain.EventBroadcastEnded), 1)
}

func TestTestDestinationDelegatesToRelay(t *testing.T) {
	f := newLifecycleFixture()
	f.relay.testStatus = domain.DestinationError

	// Interface compliance of the fixture service.
	var _ ports.LifecycleController = f.svc

	status, err := f.svc.TestDestination(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, domain.DestinationError, status)
}
