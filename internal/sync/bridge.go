package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dkeye/Party/internal/domain"
)

// Bridge is the only component that talks to the shared store. It
// encodes local state for publication and runs the strict decode over
// everything the change feeds deliver.
//
// Publish failures are non-fatal: local state stays authoritative and
// the next local mutation republishes the full snapshot anyway, which
// is the entire retry policy. No background retry loop exists.
type Bridge struct {
	store  Store
	logger zerolog.Logger

	dropped atomic.Int64

	mu     gosync.Mutex
	subs   []Subscription
	cache  map[domain.RequestID]domain.SpeakRequest
	onLost func(error)
}

func NewBridge(store Store, logger zerolog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger,
		cache:  make(map[domain.RequestID]domain.SpeakRequest),
	}
}

// OnSubscriptionLost registers the handler invoked when a live feed
// terminates abnormally. Register before subscribing.
func (b *Bridge) OnSubscriptionLost(fn func(error)) {
	b.mu.Lock()
	b.onLost = fn
	b.mu.Unlock()
}

// DroppedRecords reports how many malformed remote records the strict
// decode has discarded since the bridge was created.
func (b *Bridge) DroppedRecords() int64 {
	return b.dropped.Load()
}

// PublishRoster writes the full snapshot, never a delta. Last write
// wins at the store level.
func (b *Bridge) PublishRoster(ctx context.Context, sid domain.SessionID, snap domain.RosterSnapshot) error {
	doc, err := EncodeRoster(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if err := b.store.SetRoster(ctx, sid, doc); err != nil {
		b.logger.Warn().Str("module", "sync").Str("session", string(sid)).Err(err).Msg("roster publish failed, will retry on next mutation")
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (b *Bridge) PublishSpeakRequest(ctx context.Context, sid domain.SessionID, req domain.SpeakRequest) error {
	doc, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	b.mu.Lock()
	b.cache[req.ID] = req
	b.mu.Unlock()
	if err := b.store.UpsertSpeakRequest(ctx, sid, req.ID, doc); err != nil {
		b.logger.Warn().Str("module", "sync").Str("request", string(req.ID)).Err(err).Msg("speak request publish failed")
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// UpdateSpeakRequestStatus rewrites a previously seen request record
// with a new status. The record must have passed through this bridge
// before, either published locally or delivered by the feed.
func (b *Bridge) UpdateSpeakRequestStatus(ctx context.Context, sid domain.SessionID, rid domain.RequestID, status domain.RequestStatus) error {
	b.mu.Lock()
	req, ok := b.cache[rid]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, rid)
	}
	req.Status = status
	return b.PublishSpeakRequest(ctx, sid, req)
}

// RemoveSpeakRequest deletes the record from the store so it drops out
// of every participant's pending feed. Used for cancellation.
func (b *Bridge) RemoveSpeakRequest(ctx context.Context, sid domain.SessionID, rid domain.RequestID) error {
	b.mu.Lock()
	delete(b.cache, rid)
	b.mu.Unlock()
	if err := b.store.DeleteSpeakRequest(ctx, sid, rid); err != nil {
		b.logger.Warn().Str("module", "sync").Str("request", string(rid)).Err(err).Msg("speak request delete failed")
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// SubscribeRoster attaches the roster change feed. fn receives the
// decoded full remote snapshot on every remote write.
func (b *Bridge) SubscribeRoster(ctx context.Context, sid domain.SessionID, fn func(domain.RosterSnapshot)) error {
	sub, err := b.store.SubscribeRoster(ctx, sid, func(doc Document) {
		snap, dropped, err := DecodeRoster(doc)
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn().Str("module", "sync").Str("session", string(sid)).Err(err).Msg("dropping malformed roster document")
			return
		}
		if dropped > 0 {
			b.dropped.Add(int64(dropped))
			b.logger.Warn().Str("module", "sync").Int("dropped", dropped).Msg("dropped malformed roster records")
		}
		fn(snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe roster: %w", err)
	}
	b.track(sub)
	return nil
}

// SubscribeSpeakRequests attaches the pending-request feed. Decoded
// records are also remembered so UpdateSpeakRequestStatus can rewrite
// them by id later.
func (b *Bridge) SubscribeSpeakRequests(ctx context.Context, sid domain.SessionID, fn func([]domain.SpeakRequest)) error {
	sub, err := b.store.SubscribeSpeakRequests(ctx, sid, func(doc Document) {
		list, dropped, err := DecodeRequests(doc)
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn().Str("module", "sync").Str("session", string(sid)).Err(err).Msg("dropping malformed request list")
			return
		}
		if dropped > 0 {
			b.dropped.Add(int64(dropped))
			b.logger.Warn().Str("module", "sync").Int("dropped", dropped).Msg("dropped malformed speak request records")
		}
		b.mu.Lock()
		for _, req := range list {
			b.cache[req.ID] = req
		}
		b.mu.Unlock()
		fn(list)
	})
	if err != nil {
		return fmt.Errorf("subscribe speak requests: %w", err)
	}
	b.track(sub)
	return nil
}

func (b *Bridge) track(sub Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	go func() {
		<-sub.Done()
		err := sub.Err()
		if err == nil {
			return
		}
		b.mu.Lock()
		fn := b.onLost
		b.mu.Unlock()
		if fn != nil {
			fn(fmt.Errorf("%w: %v", ErrSubscriptionLost, err))
		}
	}()
}

// Teardown closes every live feed. Must be called when leaving a
// session so callbacks stop reaching a coordinator that is gone.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
