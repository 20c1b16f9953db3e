package sync

import (
	"context"
	"encoding/json"
	"sort"
	gosync "sync"

	"github.com/dkeye/Party/internal/domain"
)

// MemStore is an in-process Store: single-device loopback for tests
// and offline operation. Writes are echoed synchronously to every
// subscriber, including the writer, which mirrors how the remote
// store's change feed behaves.
type MemStore struct {
	mu       gosync.RWMutex
	sessions map[domain.SessionID]*memSession
	nextSub  int
}

type memRequest struct {
	doc    Document
	status domain.RequestStatus
	ts     int64
	id     domain.RequestID
}

type memSession struct {
	roster      Document
	requests    map[domain.RequestID]memRequest
	rosterSubs  map[int]*memSub
	requestSubs map[int]*memSub
}

type memSub struct {
	fn     func(Document)
	done   chan struct{}
	once   gosync.Once
	cancel func()
}

func (s *memSub) Done() <-chan struct{} { return s.done }
func (s *memSub) Err() error            { return nil }
func (s *memSub) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[domain.SessionID]*memSession)}
}

func (m *MemStore) session(sid domain.SessionID) *memSession {
	if sess, ok := m.sessions[sid]; ok {
		return sess
	}
	sess := &memSession{
		requests:    make(map[domain.RequestID]memRequest),
		rosterSubs:  make(map[int]*memSub),
		requestSubs: make(map[int]*memSub),
	}
	m.sessions[sid] = sess
	return sess
}

func (m *MemStore) SetRoster(_ context.Context, sid domain.SessionID, doc Document) error {
	m.mu.Lock()
	sess := m.session(sid)
	sess.roster = append(Document(nil), doc...)
	subs := collectSubs(sess.rosterSubs)
	m.mu.Unlock()

	deliver(subs, doc)
	return nil
}

func (m *MemStore) UpsertSpeakRequest(_ context.Context, sid domain.SessionID, rid domain.RequestID, doc Document) error {
	var meta struct {
		Status string `json:"status"`
		TS     int64  `json:"timestamp"`
	}
	_ = json.Unmarshal(doc, &meta) // unparseable docs simply never show up as pending

	m.mu.Lock()
	sess := m.session(sid)
	sess.requests[rid] = memRequest{
		doc:    append(Document(nil), doc...),
		status: domain.RequestStatus(meta.Status),
		ts:     meta.TS,
		id:     rid,
	}
	subs := collectSubs(sess.requestSubs)
	feed := pendingFeed(sess)
	m.mu.Unlock()

	deliver(subs, feed)
	return nil
}

func (m *MemStore) DeleteSpeakRequest(_ context.Context, sid domain.SessionID, rid domain.RequestID) error {
	m.mu.Lock()
	sess := m.session(sid)
	delete(sess.requests, rid)
	subs := collectSubs(sess.requestSubs)
	feed := pendingFeed(sess)
	m.mu.Unlock()

	deliver(subs, feed)
	return nil
}

func (m *MemStore) SubscribeRoster(_ context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error) {
	m.mu.Lock()
	sess := m.session(sid)
	id := m.nextSub
	m.nextSub++
	sub := &memSub{fn: fn, done: make(chan struct{})}
	sub.cancel = func() {
		m.mu.Lock()
		delete(sess.rosterSubs, id)
		m.mu.Unlock()
	}
	sess.rosterSubs[id] = sub
	initial := sess.roster
	m.mu.Unlock()

	if initial != nil {
		fn(initial)
	}
	return sub, nil
}

func (m *MemStore) SubscribeSpeakRequests(_ context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error) {
	m.mu.Lock()
	sess := m.session(sid)
	id := m.nextSub
	m.nextSub++
	sub := &memSub{fn: fn, done: make(chan struct{})}
	sub.cancel = func() {
		m.mu.Lock()
		delete(sess.requestSubs, id)
		m.mu.Unlock()
	}
	sess.requestSubs[id] = sub
	initial := pendingFeed(sess)
	m.mu.Unlock()

	fn(initial)
	return sub, nil
}

func collectSubs(subs map[int]*memSub) []*memSub {
	out := make([]*memSub, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

func deliver(subs []*memSub, doc Document) {
	for _, s := range subs {
		s.fn(doc)
	}
}

// pendingFeed builds the full pending list, timestamp ascending.
func pendingFeed(sess *memSession) Document {
	pending := make([]memRequest, 0, len(sess.requests))
	for _, r := range sess.requests {
		if r.status == domain.RequestPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ts != pending[j].ts {
			return pending[i].ts < pending[j].ts
		}
		return pending[i].id < pending[j].id
	})
	docs := make([]json.RawMessage, 0, len(pending))
	for _, r := range pending {
		docs = append(docs, json.RawMessage(r.doc))
	}
	b, _ := json.Marshal(docs)
	return b
}
