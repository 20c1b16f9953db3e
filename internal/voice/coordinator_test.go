package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/request"
	"github.com/dkeye/Party/internal/roster"
	syncpkg "github.com/dkeye/Party/internal/sync"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeEngine struct {
	mu       sync.Mutex
	muted    bool
	onChange func(bool)
	startErr error
	log      *callLog
}

func (f *fakeEngine) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.log != nil {
		f.log.add("engine.start")
	}
	return nil
}

func (f *fakeEngine) Stop() {
	if f.log != nil {
		f.log.add("engine.stop")
	}
}

func (f *fakeEngine) SetMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func (f *fakeEngine) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeEngine) OnSpeakingStateChanged(fn func(bool)) { f.onChange = fn }

func (f *fakeEngine) Recompute() {}

type party struct {
	coord  *Coordinator
	engine *fakeEngine
	bridge *syncpkg.Bridge
}

func newParty(t *testing.T, store syncpkg.Store) party {
	t.Helper()
	engine := &fakeEngine{}
	bridge := syncpkg.NewBridge(store, zerolog.Nop())
	coord := New(engine, roster.New(), request.New(), bridge, zerolog.Nop())
	return party{coord: coord, engine: engine, bridge: bridge}
}

func hostIdentity() Identity {
	return Identity{ID: "host-1", DisplayName: "Host"}
}

func waitForParticipant(t *testing.T, c *Coordinator, id domain.UserID) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := c.Roster()
		if err != nil {
			return false
		}
		_, ok := snap.Find(id)
		return ok
	}, waitFor, tick)
}

func testSession() domain.Session {
	return domain.Session{ID: "party-1", Host: "host-1"}
}

func TestStartSessionAddsLocalAndPublishes(t *testing.T) {
	store := syncpkg.NewMemStore()
	p := newParty(t, store)
	require.NoError(t, p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer p.coord.StopSession()

	snap, err := p.coord.Roster()
	require.NoError(t, err)
	require.Len(t, snap.Speakers, 1)
	assert.Equal(t, domain.UserID("host-1"), snap.Speakers[0].ID)
	assert.True(t, snap.Speakers[0].IsHost)

	// The published document is visible to a late joiner immediately.
	observer := syncpkg.NewBridge(store, zerolog.Nop())
	defer observer.Teardown()
	var seen domain.RosterSnapshot
	require.NoError(t, observer.SubscribeRoster(context.Background(), "party-1", func(s domain.RosterSnapshot) {
		seen = s
	}))
	assert.True(t, snap.Equal(seen))
}

func TestStartSessionIsExclusive(t *testing.T) {
	p := newParty(t, syncpkg.NewMemStore())
	require.NoError(t, p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer p.coord.StopSession()

	err := p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestEngineFailureAbortsStart(t *testing.T) {
	p := newParty(t, syncpkg.NewMemStore())
	p.engine.startErr = assert.AnError

	err := p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker)
	require.ErrorIs(t, err, assert.AnError)

	assert.ErrorIs(t, p.coord.RequestToSpeak(), ErrNoSession)
	_, err = p.coord.Roster()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestOperationsRequireSession(t *testing.T) {
	p := newParty(t, syncpkg.NewMemStore())
	assert.ErrorIs(t, p.coord.JoinAsSpeaker(), ErrNoSession)
	assert.ErrorIs(t, p.coord.Leave(), ErrNoSession)
	assert.ErrorIs(t, p.coord.ToggleMute(), ErrNoSession)
	assert.ErrorIs(t, p.coord.ApproveSpeaker("r1"), ErrNoSession)
}

func TestRequestToSpeakStaysListener(t *testing.T) {
	store := syncpkg.NewMemStore()
	listener := newParty(t, store)
	identity := Identity{ID: "u2", DisplayName: "Bob"}
	require.NoError(t, listener.coord.StartSession(context.Background(), testSession(), identity, domain.RoleListener))
	defer listener.coord.StopSession()

	require.NoError(t, listener.coord.RequestToSpeak())

	pending, err := listener.coord.PendingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.UserID("u2"), pending[0].UserID)
	assert.Equal(t, domain.RequestPending, pending[0].Status)

	snap, err := listener.coord.Roster()
	require.NoError(t, err)
	assert.Empty(t, snap.Speakers, "requesting never promotes by itself")
	require.Len(t, snap.Listeners, 1)

	// A second ask while one is pending is rejected.
	assert.ErrorIs(t, listener.coord.RequestToSpeak(), request.ErrDuplicateRequest)
}

func TestHostApprovePromotesRequester(t *testing.T) {
	store := syncpkg.NewMemStore()
	host := newParty(t, store)
	require.NoError(t, host.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer host.coord.StopSession()

	listener := newParty(t, store)
	require.NoError(t, listener.coord.StartSession(context.Background(), testSession(), Identity{ID: "u2", DisplayName: "Bob"}, domain.RoleListener))
	defer listener.coord.StopSession()

	require.NoError(t, listener.coord.RequestToSpeak())

	// Both feeds have to land on the host before acting: the joined
	// listener through the roster feed, the ask through the request feed.
	waitForParticipant(t, host.coord, "u2")
	var rid domain.RequestID
	require.Eventually(t, func() bool {
		pending, err := host.coord.PendingRequests()
		if err != nil || len(pending) != 1 {
			return false
		}
		rid = pending[0].ID
		return true
	}, waitFor, tick)

	require.NoError(t, host.coord.ApproveSpeaker(rid))

	snap, err := host.coord.Roster()
	require.NoError(t, err)
	_, found := snap.Find("u2")
	require.True(t, found)
	require.Len(t, snap.Speakers, 2)
	assert.Empty(t, snap.Listeners)

	pending, err := host.coord.PendingRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Approving the same request again is a no-op.
	require.NoError(t, host.coord.ApproveSpeaker(rid))
	again, err := host.coord.Roster()
	require.NoError(t, err)
	assert.True(t, snap.Equal(again))

	// The requester learns the outcome from the roster feed.
	require.Eventually(t, func() bool {
		s, err := listener.coord.Roster()
		if err != nil {
			return false
		}
		p, ok := s.Find("u2")
		return ok && p.Role == domain.RoleSpeaker
	}, waitFor, tick)
}

func TestApproveRequiresAuthorization(t *testing.T) {
	store := syncpkg.NewMemStore()
	host := newParty(t, store)
	require.NoError(t, host.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer host.coord.StopSession()

	listener := newParty(t, store)
	require.NoError(t, listener.coord.StartSession(context.Background(), testSession(), Identity{ID: "u2", DisplayName: "Bob"}, domain.RoleListener))
	defer listener.coord.StopSession()

	requester := newParty(t, store)
	require.NoError(t, requester.coord.StartSession(context.Background(), testSession(), Identity{ID: "u3", DisplayName: "Carol"}, domain.RoleListener))
	defer requester.coord.StopSession()
	require.NoError(t, requester.coord.RequestToSpeak())

	waitForParticipant(t, listener.coord, "u3")
	var rid domain.RequestID
	require.Eventually(t, func() bool {
		pending, err := listener.coord.PendingRequests()
		if err != nil || len(pending) != 1 {
			return false
		}
		rid = pending[0].ID
		return true
	}, waitFor, tick)

	before, err := listener.coord.Roster()
	require.NoError(t, err)

	assert.ErrorIs(t, listener.coord.ApproveSpeaker(rid), ErrNotAuthorized)
	assert.ErrorIs(t, listener.coord.DeclineSpeaker(rid), ErrNotAuthorized)

	after, err := listener.coord.Roster()
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "a failed authorization leaves everything untouched")

	pending, err := listener.coord.PendingRequests()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the request is still pending")
}

func TestDeclineLeavesRosterUnchanged(t *testing.T) {
	store := syncpkg.NewMemStore()
	host := newParty(t, store)
	require.NoError(t, host.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer host.coord.StopSession()

	listener := newParty(t, store)
	require.NoError(t, listener.coord.StartSession(context.Background(), testSession(), Identity{ID: "u2", DisplayName: "Bob"}, domain.RoleListener))
	defer listener.coord.StopSession()
	require.NoError(t, listener.coord.RequestToSpeak())

	waitForParticipant(t, host.coord, "u2")
	var rid domain.RequestID
	require.Eventually(t, func() bool {
		pending, err := host.coord.PendingRequests()
		if err != nil || len(pending) != 1 {
			return false
		}
		rid = pending[0].ID
		return true
	}, waitFor, tick)

	require.NoError(t, host.coord.DeclineSpeaker(rid))

	snap, err := host.coord.Roster()
	require.NoError(t, err)
	p, found := snap.Find("u2")
	require.True(t, found)
	assert.Equal(t, domain.RoleListener, p.Role, "declined requester stays a listener")

	pending, err := host.coord.PendingRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLeaveWithdrawsPendingRequest(t *testing.T) {
	store := syncpkg.NewMemStore()
	listener := newParty(t, store)
	require.NoError(t, listener.coord.StartSession(context.Background(), testSession(), Identity{ID: "u2", DisplayName: "Bob"}, domain.RoleListener))
	defer listener.coord.StopSession()
	require.NoError(t, listener.coord.RequestToSpeak())

	require.NoError(t, listener.coord.Leave())

	snap, err := listener.coord.Roster()
	require.NoError(t, err)
	_, found := snap.Find("u2")
	assert.False(t, found)

	// A fresh subscriber replays the current pending feed: empty.
	observer := syncpkg.NewBridge(store, zerolog.Nop())
	defer observer.Teardown()
	var feed []domain.SpeakRequest
	require.NoError(t, observer.SubscribeSpeakRequests(context.Background(), "party-1", func(list []domain.SpeakRequest) {
		feed = list
	}))
	assert.Empty(t, feed, "the withdrawn request is gone from the store")
}

func TestSpeakingEdgeReachesRoster(t *testing.T) {
	store := syncpkg.NewMemStore()
	speaker := newParty(t, store)
	require.NoError(t, speaker.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer speaker.coord.StopSession()

	speaker.engine.onChange(true)
	require.Eventually(t, func() bool {
		snap, err := speaker.coord.Roster()
		if err != nil {
			return false
		}
		p, ok := snap.Find("host-1")
		return ok && p.IsSpeaking
	}, waitFor, tick)

	speaker.engine.onChange(false)
	require.Eventually(t, func() bool {
		snap, err := speaker.coord.Roster()
		if err != nil {
			return false
		}
		p, ok := snap.Find("host-1")
		return ok && !p.IsSpeaking
	}, waitFor, tick)
}

func TestToggleMuteFlipsEngine(t *testing.T) {
	p := newParty(t, syncpkg.NewMemStore())
	require.NoError(t, p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer p.coord.StopSession()

	require.NoError(t, p.coord.ToggleMute())
	assert.True(t, p.coord.Muted())
	require.NoError(t, p.coord.ToggleMute())
	assert.False(t, p.coord.Muted())
}

func TestRemoteSnapshotReplacesLocalView(t *testing.T) {
	store := syncpkg.NewMemStore()
	local := newParty(t, store)
	require.NoError(t, local.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	defer local.coord.StopSession()

	// Another device publishes a snapshot that includes us and a new
	// listener. Last write wins wholesale.
	remote := syncpkg.NewBridge(store, zerolog.Nop())
	snap, err := local.coord.Roster()
	require.NoError(t, err)
	snap.Listeners = append(snap.Listeners, domain.Participant{
		ID: "u9", DisplayName: "Nina", Role: domain.RoleListener, JoinedAt: time.UnixMilli(5000),
	})
	require.NoError(t, remote.PublishRoster(context.Background(), "party-1", snap))

	require.Eventually(t, func() bool {
		got, err := local.coord.Roster()
		if err != nil {
			return false
		}
		_, ok := got.Find("u9")
		return ok
	}, waitFor, tick)

	got, err := local.coord.Roster()
	require.NoError(t, err)
	_, stillThere := got.Find("host-1")
	assert.True(t, stillThere, "local entry survives the remote apply")
}

func TestStopSessionAfterStopIsNoop(t *testing.T) {
	p := newParty(t, syncpkg.NewMemStore())
	require.NoError(t, p.coord.StartSession(context.Background(), testSession(), hostIdentity(), domain.RoleSpeaker))
	p.coord.StopSession()
	p.coord.StopSession()

	assert.ErrorIs(t, p.coord.JoinAsSpeaker(), ErrNoSession)
}

// orderBridge records the call order so teardown sequencing can be
// asserted, and optionally fails every publish.
type orderBridge struct {
	log        *callLog
	publishErr error
}

func (o *orderBridge) PublishRoster(context.Context, domain.SessionID, domain.RosterSnapshot) error {
	o.log.add("bridge.publish")
	return o.publishErr
}

func (o *orderBridge) PublishSpeakRequest(context.Context, domain.SessionID, domain.SpeakRequest) error {
	o.log.add("bridge.publishRequest")
	return o.publishErr
}

func (o *orderBridge) UpdateSpeakRequestStatus(context.Context, domain.SessionID, domain.RequestID, domain.RequestStatus) error {
	return o.publishErr
}

func (o *orderBridge) RemoveSpeakRequest(context.Context, domain.SessionID, domain.RequestID) error {
	o.log.add("bridge.removeRequest")
	return o.publishErr
}

func (o *orderBridge) SubscribeRoster(context.Context, domain.SessionID, func(domain.RosterSnapshot)) error {
	return nil
}

func (o *orderBridge) SubscribeSpeakRequests(context.Context, domain.SessionID, func([]domain.SpeakRequest)) error {
	return nil
}

func (o *orderBridge) OnSubscriptionLost(func(error)) {}

func (o *orderBridge) Teardown() { o.log.add("bridge.teardown") }

func TestStopSessionTeardownOrder(t *testing.T) {
	log := &callLog{}
	engine := &fakeEngine{log: log}
	bridge := &orderBridge{log: log, publishErr: assert.AnError}
	coord := New(engine, roster.New(), request.New(), bridge, zerolog.Nop())

	require.NoError(t, coord.StartSession(context.Background(), testSession(), Identity{ID: "u2", DisplayName: "Bob"}, domain.RoleListener))
	require.NoError(t, coord.RequestToSpeak())
	coord.StopSession()

	// Departure is announced before sync teardown, and the microphone
	// is released last, even when every publish fails.
	calls := log.list()
	require.Equal(t, []string{
		"engine.start",
		"bridge.publish",        // initial join
		"bridge.publishRequest", // RequestToSpeak
		"bridge.removeRequest",  // withdraw on stop
		"bridge.publish",        // departure
		"bridge.teardown",
		"engine.stop",
	}, calls)
}
