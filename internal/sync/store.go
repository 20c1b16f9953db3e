// Package sync keeps one session's roster and speak-request state
// consistent across devices through a shared remote document store.
// Every publish carries full state (last-write-wins, no deltas) and
// every change-feed callback delivers full state back.
package sync

import (
	"context"
	"errors"

	"github.com/dkeye/Party/internal/domain"
)

var (
	ErrPublishFailed    = errors.New("sync publish failed")
	ErrSubscriptionLost = errors.New("sync subscription lost")
	ErrUnknownRequest   = errors.New("unknown speak request")
)

// Document is a raw JSON document as stored by, or delivered from, the
// shared store. The store never interprets roster contents; decoding
// happens on the consuming side so malformed remote records can be
// dropped instead of poisoning the merge.
type Document []byte

// Subscription is one live change feed. Done is closed when the feed
// terminates; Err reports why (nil after a local Close).
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close()
}

// Store is the contract required from the shared remote store: named
// full-replace documents plus live change feeds that deliver the
// complete current state on every write by any participant.
//
// The speak-request feed carries the full pending list, ordered by
// timestamp ascending. Deleting a request (cancellation) removes it
// from the feed.
type Store interface {
	SetRoster(ctx context.Context, sid domain.SessionID, doc Document) error
	UpsertSpeakRequest(ctx context.Context, sid domain.SessionID, rid domain.RequestID, doc Document) error
	DeleteSpeakRequest(ctx context.Context, sid domain.SessionID, rid domain.RequestID) error
	SubscribeRoster(ctx context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error)
	SubscribeSpeakRequests(ctx context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error)
}
