package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/Party/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 32
)

// WSStore implements Store over one websocket connection to the sync
// gateway. Writes are fire-and-forget: the gateway echoes accepted
// state back through the feed, and a dropped connection surfaces as
// subscription loss rather than as per-write errors.
type WSStore struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	send   chan []byte

	mu          gosync.Mutex
	closed      bool
	err         error
	rosterSubs  map[domain.SessionID]*wsSub
	requestSubs map[domain.SessionID]*wsSub
}

type wsSub struct {
	store *WSStore
	sid   domain.SessionID
	fn    func(Document)
	done  chan struct{}
	once  gosync.Once
	err   error
	unreg func()
}

func (s *wsSub) Done() <-chan struct{} { return s.done }

func (s *wsSub) Err() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.err
}

func (s *wsSub) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.unreg()
		s.store.mu.Unlock()
		close(s.done)
	})
}

func (s *wsSub) fail(err error) {
	s.once.Do(func() {
		s.err = err // store.mu held by caller
		close(s.done)
	})
}

// DialWSStore connects to a sync gateway, e.g.
// ws://host:8080/api/ws/sync.
func DialWSStore(ctx context.Context, url string, logger zerolog.Logger) (*WSStore, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sync gateway: %w", err)
	}
	s := &WSStore{
		logger:      logger,
		conn:        conn,
		send:        make(chan []byte, wsSendBuffer),
		rosterSubs:  make(map[domain.SessionID]*wsSub),
		requestSubs: make(map[domain.SessionID]*wsSub),
	}
	go s.writePump()
	go s.readPump()
	return s, nil
}

func (s *WSStore) writePump() {
	for data := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			s.logger.Error().Err(err).Str("module", "sync.ws").Msg("writePump set deadline")
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Error().Err(err).Str("module", "sync.ws").Msg("writePump write error")
			return
		}
	}
}

func (s *WSStore) readPump() {
	defer s.fail(ErrSubscriptionLost)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Warn().Err(err).Str("module", "sync.ws").Msg("readPump read error")
			return
		}
		s.dispatch(data)
	}
}

func (s *WSStore) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Error().Err(err).Str("module", "sync.ws").Msg("bad gateway frame")
		return
	}
	sid := domain.SessionID(env.Session)
	switch env.Type {
	case MsgRosterState:
		s.mu.Lock()
		sub := s.rosterSubs[sid]
		s.mu.Unlock()
		if sub != nil && env.Doc != nil {
			sub.fn(Document(env.Doc))
		}
	case MsgRequestsState:
		s.mu.Lock()
		sub := s.requestSubs[sid]
		s.mu.Unlock()
		if sub != nil {
			feed, err := json.Marshal(env.Docs)
			if err != nil {
				return
			}
			sub.fn(Document(feed))
		}
	case MsgPong:
	case MsgError:
		s.logger.Warn().Str("module", "sync.ws").Str("error", env.Error).Msg("gateway rejected a write")
	default:
		s.logger.Warn().Str("module", "sync.ws").Str("type", env.Type).Msg("unknown gateway frame")
	}
}

// trySend enqueues a frame without blocking; a full queue means the
// connection cannot keep up and the write is reported failed.
func (s *WSStore) trySend(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *WSStore) SetRoster(_ context.Context, sid domain.SessionID, doc Document) error {
	return s.trySend(Envelope{Type: MsgSetRoster, Session: string(sid), Doc: json.RawMessage(doc)})
}

func (s *WSStore) UpsertSpeakRequest(_ context.Context, sid domain.SessionID, rid domain.RequestID, doc Document) error {
	return s.trySend(Envelope{Type: MsgUpsertRequest, Session: string(sid), RequestID: string(rid), Doc: json.RawMessage(doc)})
}

func (s *WSStore) DeleteSpeakRequest(_ context.Context, sid domain.SessionID, rid domain.RequestID) error {
	return s.trySend(Envelope{Type: MsgDeleteRequest, Session: string(sid), RequestID: string(rid)})
}

func (s *WSStore) SubscribeRoster(_ context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error) {
	sub := &wsSub{store: s, sid: sid, fn: fn, done: make(chan struct{})}
	sub.unreg = func() { delete(s.rosterSubs, sid) }
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	s.rosterSubs[sid] = sub
	s.mu.Unlock()
	if err := s.trySend(Envelope{Type: MsgSubscribeRoster, Session: string(sid)}); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (s *WSStore) SubscribeSpeakRequests(_ context.Context, sid domain.SessionID, fn func(Document)) (Subscription, error) {
	sub := &wsSub{store: s, sid: sid, fn: fn, done: make(chan struct{})}
	sub.unreg = func() { delete(s.requestSubs, sid) }
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	s.requestSubs[sid] = sub
	s.mu.Unlock()
	if err := s.trySend(Envelope{Type: MsgSubscribeRequests, Session: string(sid)}); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// fail marks the connection dead and wakes every subscription with err.
func (s *WSStore) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.send)
	_ = s.conn.Close()
	for _, sub := range s.rosterSubs {
		sub.fail(err)
	}
	for _, sub := range s.requestSubs {
		sub.fail(err)
	}
	s.rosterSubs = map[domain.SessionID]*wsSub{}
	s.requestSubs = map[domain.SessionID]*wsSub{}
	s.mu.Unlock()
}

// Close shuts the connection down deliberately; subscriptions end
// without an error.
func (s *WSStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	subs := make([]*wsSub, 0, len(s.rosterSubs)+len(s.requestSubs))
	for _, sub := range s.rosterSubs {
		subs = append(subs, sub)
	}
	for _, sub := range s.requestSubs {
		subs = append(subs, sub)
	}
	s.rosterSubs = map[domain.SessionID]*wsSub{}
	s.requestSubs = map[domain.SessionID]*wsSub{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
