// Package voice combines capture, roster, the speak-request workflow
// and sync into the façade the application talks to for one party
// voice session.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/Party/internal/domain"
)

var (
	ErrNoSession     = errors.New("no active session")
	ErrSessionActive = errors.New("session already active")
	ErrNotAuthorized = errors.New("not authorized")
)

// Identity describes the local user as supplied by the application.
type Identity struct {
	ID          domain.UserID
	DisplayName string
	AvatarURL   string
}

// CaptureEngine is the local audio side: exclusive microphone
// ownership, mute gain, edge-triggered speaking transitions.
type CaptureEngine interface {
	Start() error
	Stop()
	SetMuted(muted bool)
	Muted() bool
	OnSpeakingStateChanged(fn func(speaking bool))
	Recompute()
}

// RosterStore holds the local speakers/listeners view. Implementations
// carry no locking; the coordinator's loop serializes access.
type RosterStore interface {
	AddSpeaker(p domain.Participant)
	AddListener(p domain.Participant)
	Remove(id domain.UserID)
	SetSpeaking(id domain.UserID, speaking bool) bool
	Get(id domain.UserID) (domain.Participant, bool)
	Snapshot() domain.RosterSnapshot
	Replace(snap domain.RosterSnapshot)
}

// RequestWorkflow runs the request-to-speak state machine.
type RequestWorkflow interface {
	Request(id domain.UserID, displayName string) (domain.SpeakRequest, error)
	Cancel(id domain.UserID) (domain.SpeakRequest, bool)
	Approve(rid domain.RequestID) (domain.SpeakRequest, bool)
	Decline(rid domain.RequestID) (domain.SpeakRequest, bool)
	Get(rid domain.RequestID) (domain.SpeakRequest, bool)
	PendingFor(id domain.UserID) (domain.SpeakRequest, bool)
	Pending() []domain.SpeakRequest
	ReplacePending(list []domain.SpeakRequest)
	Restore(req domain.SpeakRequest)
}

// SyncBridge is the only path to the shared remote store.
type SyncBridge interface {
	PublishRoster(ctx context.Context, sid domain.SessionID, snap domain.RosterSnapshot) error
	PublishSpeakRequest(ctx context.Context, sid domain.SessionID, req domain.SpeakRequest) error
	UpdateSpeakRequestStatus(ctx context.Context, sid domain.SessionID, rid domain.RequestID, status domain.RequestStatus) error
	RemoveSpeakRequest(ctx context.Context, sid domain.SessionID, rid domain.RequestID) error
	SubscribeRoster(ctx context.Context, sid domain.SessionID, fn func(domain.RosterSnapshot)) error
	SubscribeSpeakRequests(ctx context.Context, sid domain.SessionID, fn func([]domain.SpeakRequest)) error
	OnSubscriptionLost(fn func(error))
	Teardown()
}

// Coordinator routes every mutation — local commands, audio edges,
// remote feed deliveries — through one event loop, so the roster and
// workflow are only ever touched from a single goroutine. The audio
// callback and the feed callbacks never mutate state directly; they
// post into conflating single-slot channels and the loop drains them.
type Coordinator struct {
	engine   CaptureEngine
	roster   RosterStore
	requests RequestWorkflow
	bridge   SyncBridge
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	quit     chan struct{}
	loopDone chan struct{}

	cmds       chan func()
	speakingCh chan bool
	rosterCh   chan domain.RosterSnapshot
	requestsCh chan []domain.SpeakRequest
	lostCh     chan error

	// Loop-owned state below; StartSession/StopSession touch it only
	// while the loop is not running.
	ctx     context.Context
	session domain.Session
	local   Identity
	// pendingEcho marks that the local identity's entry is ahead of
	// the remote document: remote snapshots keep the local entry until
	// our own publish echoes back.
	pendingEcho bool
	unacked     *domain.SpeakRequest

	onRoster   func(domain.RosterSnapshot)
	onRequests func([]domain.SpeakRequest)
	onSyncDown func(error)
}

func New(engine CaptureEngine, roster RosterStore, requests RequestWorkflow, bridge SyncBridge, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		engine:     engine,
		roster:     roster,
		requests:   requests,
		bridge:     bridge,
		logger:     logger,
		cmds:       make(chan func(), 16),
		speakingCh: make(chan bool, 1),
		rosterCh:   make(chan domain.RosterSnapshot, 1),
		requestsCh: make(chan []domain.SpeakRequest, 1),
		lostCh:     make(chan error, 4),
	}
}

// OnRosterChanged registers the UI observer for roster state. Called
// from the coordinator loop after every local or remote change.
// Register before StartSession.
func (c *Coordinator) OnRosterChanged(fn func(domain.RosterSnapshot)) { c.onRoster = fn }

// OnSpeakRequestsChanged registers the observer for the pending list.
func (c *Coordinator) OnSpeakRequestsChanged(fn func([]domain.SpeakRequest)) { c.onRequests = fn }

// OnSyncStatus registers the observer for non-fatal sync degradation
// ("reconnecting" indicators). Local voice keeps working regardless.
func (c *Coordinator) OnSyncStatus(fn func(error)) { c.onSyncDown = fn }

// StartSession acquires the capture engine, attaches both feeds, adds
// the local identity in its initial role and publishes. An engine
// failure aborts before anything is subscribed.
func (c *Coordinator) StartSession(ctx context.Context, session domain.Session, local Identity, role domain.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrSessionActive
	}

	c.engine.OnSpeakingStateChanged(c.postSpeaking)
	if err := c.engine.Start(); err != nil {
		return err
	}

	c.bridge.OnSubscriptionLost(c.postLost)
	if err := c.bridge.SubscribeRoster(ctx, session.ID, c.postRoster); err != nil {
		c.engine.Stop()
		return fmt.Errorf("subscribe roster: %w", err)
	}
	if err := c.bridge.SubscribeSpeakRequests(ctx, session.ID, c.postRequests); err != nil {
		c.bridge.Teardown()
		c.engine.Stop()
		return fmt.Errorf("subscribe speak requests: %w", err)
	}

	c.ctx = ctx
	c.session = session
	c.local = local
	c.pendingEcho = false
	c.unacked = nil

	// Join times travel at millisecond precision; truncate at the source
	// so a round-tripped snapshot compares equal to the local one.
	now := time.Now().Truncate(time.Millisecond)
	p := domain.Participant{
		ID:          local.ID,
		DisplayName: local.DisplayName,
		AvatarURL:   local.AvatarURL,
		JoinedAt:    now,
	}
	if role == domain.RoleSpeaker {
		p.IsHost = session.Host == local.ID
		c.roster.AddSpeaker(p)
	} else {
		c.roster.AddListener(p)
	}
	c.publishRoster()

	c.quit = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.run()
	c.running = true
	c.logger.Info().Str("module", "voice").Str("session", string(session.ID)).Str("user", string(local.ID)).Str("role", role.String()).Msg("session started")
	return nil
}

// StopSession announces departure, then tears down sync and audio in
// that fixed order regardless of publish success, so other devices
// learn we left and the microphone is never leaked.
func (c *Coordinator) StopSession() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.quit)
	c.mu.Unlock()
	<-c.loopDone

	// Loop stopped; direct mutation is safe again.
	if req, ok := c.requests.Cancel(c.local.ID); ok {
		_ = c.bridge.RemoveSpeakRequest(c.ctx, c.session.ID, req.ID)
	}
	c.roster.Remove(c.local.ID)
	c.publishRoster()

	c.bridge.Teardown()
	c.engine.Stop()
	c.logger.Info().Str("module", "voice").Str("session", string(c.session.ID)).Msg("session stopped")
}

// JoinAsSpeaker transitions the local identity to the speaker set and
// publishes. Local-mutate-then-publish, like every role change.
func (c *Coordinator) JoinAsSpeaker() error {
	return c.do(func() error {
		p := c.localParticipant()
		p.IsHost = c.authorized()
		c.roster.AddSpeaker(p)
		c.publishRoster()
		return nil
	})
}

func (c *Coordinator) JoinAsListener() error {
	return c.do(func() error {
		c.roster.AddListener(c.localParticipant())
		c.publishRoster()
		return nil
	})
}

// Leave removes the local identity from the roster. Any pending speak
// request is withdrawn first so hosts never see a request from someone
// no longer present.
func (c *Coordinator) Leave() error {
	return c.do(func() error {
		c.cancelLocalRequest()
		c.roster.Remove(c.local.ID)
		c.publishRoster()
		return nil
	})
}

// ToggleMute flips the capture gain. On unmute the engine reclassifies
// immediately, so a hot microphone shows as speaking without waiting
// for the next buffer.
func (c *Coordinator) ToggleMute() error {
	return c.do(func() error {
		c.engine.SetMuted(!c.engine.Muted())
		return nil
	})
}

func (c *Coordinator) Muted() bool { return c.engine.Muted() }

// RequestToSpeak creates and publishes a pending speak request.
// Returns request.ErrDuplicateRequest while one is already pending.
func (c *Coordinator) RequestToSpeak() error {
	return c.do(func() error {
		req, err := c.requests.Request(c.local.ID, c.local.DisplayName)
		if err != nil {
			return err
		}
		c.unacked = &req
		if err := c.bridge.PublishSpeakRequest(c.ctx, c.session.ID, req); err != nil {
			c.logger.Warn().Str("module", "voice").Err(err).Msg("speak request publish failed")
		}
		c.notifyRequests()
		return nil
	})
}

// ApproveSpeaker promotes the requester. Host/co-host only; the
// authorization check precedes any mutation. Approving a non-pending
// request is a no-op, which absorbs duplicate remote events.
func (c *Coordinator) ApproveSpeaker(rid domain.RequestID) error {
	return c.do(func() error {
		if !c.authorized() {
			return ErrNotAuthorized
		}
		req, ok := c.requests.Approve(rid)
		if !ok {
			return nil
		}
		p, found := c.roster.Get(req.UserID)
		if !found {
			p = domain.Participant{ID: req.UserID, DisplayName: req.UserName, JoinedAt: time.Now().Truncate(time.Millisecond)}
		}
		p.IsHost = false
		p.IsSpeaking = false
		c.roster.AddSpeaker(p)
		c.publishRoster()
		if err := c.bridge.UpdateSpeakRequestStatus(c.ctx, c.session.ID, rid, domain.RequestApproved); err != nil {
			c.logger.Warn().Str("module", "voice").Str("request", string(rid)).Err(err).Msg("request status publish failed")
		}
		c.notifyRequests()
		return nil
	})
}

// DeclineSpeaker resolves the request without a roster change. Same
// authorization and idempotency as ApproveSpeaker.
func (c *Coordinator) DeclineSpeaker(rid domain.RequestID) error {
	return c.do(func() error {
		if !c.authorized() {
			return ErrNotAuthorized
		}
		if _, ok := c.requests.Decline(rid); !ok {
			return nil
		}
		if err := c.bridge.UpdateSpeakRequestStatus(c.ctx, c.session.ID, rid, domain.RequestDeclined); err != nil {
			c.logger.Warn().Str("module", "voice").Str("request", string(rid)).Err(err).Msg("request status publish failed")
		}
		c.notifyRequests()
		return nil
	})
}

// Roster returns the current snapshot, read on the loop.
func (c *Coordinator) Roster() (domain.RosterSnapshot, error) {
	var snap domain.RosterSnapshot
	err := c.do(func() error {
		snap = c.roster.Snapshot()
		return nil
	})
	return snap, err
}

// PendingRequests returns the pending list, timestamp ascending.
func (c *Coordinator) PendingRequests() ([]domain.SpeakRequest, error) {
	var list []domain.SpeakRequest
	err := c.do(func() error {
		list = c.requests.Pending()
		return nil
	})
	return list, err
}

// --- event loop ---

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.cmds:
			fn()
		case speaking := <-c.speakingCh:
			c.handleSpeaking(speaking)
		case snap := <-c.rosterCh:
			c.applyRemoteRoster(snap)
		case list := <-c.requestsCh:
			c.applyRemoteRequests(list)
		case err := <-c.lostCh:
			c.handleSubscriptionLost(err)
		}
	}
}

// do executes fn on the loop and waits for its result.
func (c *Coordinator) do(fn func() error) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNoSession
	}
	quit, loopDone := c.quit, c.loopDone
	c.mu.Unlock()

	errc := make(chan error, 1)
	select {
	case c.cmds <- func() { errc <- fn() }:
	case <-quit:
		return ErrNoSession
	}
	select {
	case err := <-errc:
		return err
	case <-loopDone:
		return ErrNoSession
	}
}

// postSpeaking runs on the audio callback goroutine and must not
// block: the latest value replaces an undrained one. Backpressure can
// only delay a flip, never corrupt it.
func (c *Coordinator) postSpeaking(speaking bool) { putLatest(c.speakingCh, speaking) }

func (c *Coordinator) postRoster(snap domain.RosterSnapshot) { putLatest(c.rosterCh, snap) }

func (c *Coordinator) postRequests(list []domain.SpeakRequest) { putLatest(c.requestsCh, list) }

func (c *Coordinator) postLost(err error) {
	select {
	case c.lostCh <- err:
	default:
	}
}

// handleSpeaking is the only path by which the local audio signal
// reaches other devices.
func (c *Coordinator) handleSpeaking(speaking bool) {
	if c.roster.SetSpeaking(c.local.ID, speaking) {
		c.publishRoster()
	}
}

// applyRemoteRoster applies last-write-wins at full-snapshot
// granularity: the remote state replaces local derived state
// wholesale, except the local identity's entry while our own publish
// has not echoed back yet. The window self-heals on the next update.
func (c *Coordinator) applyRemoteRoster(snap domain.RosterSnapshot) {
	if !c.pendingEcho {
		c.roster.Replace(snap)
		c.notifyRoster()
		return
	}

	localEntry, localPresent := c.roster.Get(c.local.ID)
	if remote, ok := snap.Find(c.local.ID); ok && localPresent &&
		remote.Role == localEntry.Role && remote.IsSpeaking == localEntry.IsSpeaking {
		c.pendingEcho = false
		c.roster.Replace(snap)
		c.notifyRoster()
		return
	}

	c.roster.Replace(snap)
	if localPresent {
		if localEntry.Role == domain.RoleSpeaker {
			c.roster.AddSpeaker(localEntry)
		} else {
			c.roster.AddListener(localEntry)
		}
	} else {
		// We left and the remote document is stale; stay gone.
		c.roster.Remove(c.local.ID)
	}
	c.notifyRoster()
}

func (c *Coordinator) applyRemoteRequests(list []domain.SpeakRequest) {
	c.requests.ReplacePending(list)
	if c.unacked != nil {
		seen := false
		for _, r := range list {
			if r.ID == c.unacked.ID {
				seen = true
				break
			}
		}
		if seen {
			c.unacked = nil
		} else {
			c.requests.Restore(*c.unacked)
		}
	}
	c.notifyRequests()
}

// handleSubscriptionLost keeps local voice alive on a stale roster and
// tries one immediate reattach per loss event.
func (c *Coordinator) handleSubscriptionLost(err error) {
	c.logger.Warn().Str("module", "voice").Str("session", string(c.session.ID)).Err(err).Msg("sync feed lost")
	if c.onSyncDown != nil {
		c.onSyncDown(err)
	}
	if rerr := c.bridge.SubscribeRoster(c.ctx, c.session.ID, c.postRoster); rerr != nil {
		c.logger.Warn().Str("module", "voice").Err(rerr).Msg("roster resubscribe failed")
	}
	if rerr := c.bridge.SubscribeSpeakRequests(c.ctx, c.session.ID, c.postRequests); rerr != nil {
		c.logger.Warn().Str("module", "voice").Err(rerr).Msg("speak request resubscribe failed")
	}
}

// --- helpers (loop context) ---

func (c *Coordinator) publishRoster() {
	snap := c.roster.Snapshot()
	// Local state stays authoritative on failure; the next mutation
	// publishes the full snapshot again, which is the whole retry.
	if err := c.bridge.PublishRoster(c.ctx, c.session.ID, snap); err != nil {
		c.logger.Warn().Str("module", "voice").Err(err).Msg("roster publish failed")
	}
	c.pendingEcho = true
	if c.onRoster != nil {
		c.onRoster(snap)
	}
}

func (c *Coordinator) notifyRoster() {
	if c.onRoster != nil {
		c.onRoster(c.roster.Snapshot())
	}
}

func (c *Coordinator) notifyRequests() {
	if c.onRequests != nil {
		c.onRequests(c.requests.Pending())
	}
}

func (c *Coordinator) cancelLocalRequest() {
	if req, ok := c.requests.Cancel(c.local.ID); ok {
		c.unacked = nil
		_ = c.bridge.RemoveSpeakRequest(c.ctx, c.session.ID, req.ID)
		c.notifyRequests()
	}
}

func (c *Coordinator) localParticipant() domain.Participant {
	if p, ok := c.roster.Get(c.local.ID); ok {
		return p
	}
	return domain.Participant{
		ID:          c.local.ID,
		DisplayName: c.local.DisplayName,
		AvatarURL:   c.local.AvatarURL,
		JoinedAt:    time.Now().Truncate(time.Millisecond),
	}
}

// authorized reports whether the local identity may approve or decline
// requests: the session host, or a co-host (speaker flagged as host).
func (c *Coordinator) authorized() bool {
	if c.session.Host == c.local.ID {
		return true
	}
	p, ok := c.roster.Get(c.local.ID)
	return ok && p.Role == domain.RoleSpeaker && p.IsHost
}

// putLatest posts v without blocking; an undrained older value is
// replaced. Full state always supersedes older full state.
func putLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
