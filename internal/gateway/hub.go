// Package gateway is the shared-store side of the sync contract: it
// hosts one document set per party session (roster + speak requests)
// and pushes the full current state to every subscriber on every
// write, whoever wrote it.
package gateway

import (
	"encoding/json"
	"errors"
	"sort"
	gosync "sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/sync"
)

// ClientID identifies one connected device (its client token).
type ClientID string

var ErrBackpressure = errors.New("backpressure")

// Sender is the transport endpoint of a subscriber. Owned by the ws
// controller; the hub only fans out to it.
type Sender interface {
	TrySend(data []byte) error
}

type requestRecord struct {
	doc    sync.Document
	status domain.RequestStatus
	ts     int64
	id     domain.RequestID
}

// SessionState holds the documents and subscriber sets for one session.
type SessionState struct {
	id domain.SessionID

	mu          gosync.RWMutex
	roster      sync.Document
	requests    map[domain.RequestID]requestRecord
	rosterSubs  map[ClientID]Sender
	requestSubs map[ClientID]Sender
}

func newSessionState(id domain.SessionID) *SessionState {
	return &SessionState{
		id:          id,
		requests:    make(map[domain.RequestID]requestRecord),
		rosterSubs:  make(map[ClientID]Sender),
		requestSubs: make(map[ClientID]Sender),
	}
}

// SubscribeRoster registers the client and immediately replays the
// current roster document, if one exists.
func (s *SessionState) SubscribeRoster(cid ClientID, conn Sender) {
	s.mu.Lock()
	s.rosterSubs[cid] = conn
	current := s.roster
	s.mu.Unlock()
	if current != nil {
		sendState(conn, rosterEnvelope(s.id, current))
	}
}

// SubscribeRequests registers the client and replays the current
// pending list (possibly empty).
func (s *SessionState) SubscribeRequests(cid ClientID, conn Sender) {
	s.mu.Lock()
	s.requestSubs[cid] = conn
	feed := s.pendingLocked()
	s.mu.Unlock()
	sendState(conn, requestsEnvelope(s.id, feed))
}

// SetRoster replaces the roster document wholesale and fans the new
// state out. Last write wins; the hub never merges.
func (s *SessionState) SetRoster(doc sync.Document) {
	s.mu.Lock()
	s.roster = append(sync.Document(nil), doc...)
	subs := s.rosterSubsLocked()
	s.mu.Unlock()
	s.broadcast(subs, rosterEnvelope(s.id, doc), s.dropRosterSub)
}

// UpsertRequest stores or rewrites a request record and fans out the
// resulting pending list.
func (s *SessionState) UpsertRequest(rid domain.RequestID, doc sync.Document) {
	var meta struct {
		Status string `json:"status"`
		TS     int64  `json:"timestamp"`
	}
	_ = json.Unmarshal(doc, &meta)

	s.mu.Lock()
	s.requests[rid] = requestRecord{
		doc:    append(sync.Document(nil), doc...),
		status: domain.RequestStatus(meta.Status),
		ts:     meta.TS,
		id:     rid,
	}
	subs := s.requestSubsLocked()
	feed := s.pendingLocked()
	s.mu.Unlock()
	s.broadcast(subs, requestsEnvelope(s.id, feed), s.dropRequestSub)
}

// DeleteRequest removes a record (cancellation) and fans out the
// shrunken pending list.
func (s *SessionState) DeleteRequest(rid domain.RequestID) {
	s.mu.Lock()
	delete(s.requests, rid)
	subs := s.requestSubsLocked()
	feed := s.pendingLocked()
	s.mu.Unlock()
	s.broadcast(subs, requestsEnvelope(s.id, feed), s.dropRequestSub)
}

// Detach removes the client from both feeds. No-op if absent.
func (s *SessionState) Detach(cid ClientID) {
	s.mu.Lock()
	delete(s.rosterSubs, cid)
	delete(s.requestSubs, cid)
	s.mu.Unlock()
}

func (s *SessionState) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.rosterSubs)
	if len(s.requestSubs) > n {
		n = len(s.requestSubs)
	}
	return n
}

func (s *SessionState) rosterSubsLocked() map[ClientID]Sender {
	out := make(map[ClientID]Sender, len(s.rosterSubs))
	for cid, c := range s.rosterSubs {
		out[cid] = c
	}
	return out
}

func (s *SessionState) requestSubsLocked() map[ClientID]Sender {
	out := make(map[ClientID]Sender, len(s.requestSubs))
	for cid, c := range s.requestSubs {
		out[cid] = c
	}
	return out
}

// pendingLocked builds the pending list, timestamp ascending.
func (s *SessionState) pendingLocked() []json.RawMessage {
	pending := make([]requestRecord, 0, len(s.requests))
	for _, r := range s.requests {
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
	out := make([]json.RawMessage, 0, len(pending))
	for _, r := range pending {
		out = append(out, json.RawMessage(r.doc))
	}
	return out
}

// broadcast fans a state frame out. A subscriber that cannot keep up
// is dropped from the feed rather than allowed to stall everyone else;
// its client will resubscribe on reconnect.
func (s *SessionState) broadcast(subs map[ClientID]Sender, env sync.Envelope, drop func(ClientID)) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.hub").Msg("broadcast marshal")
		return
	}
	sent := 0
	for cid, conn := range subs {
		if err := conn.TrySend(data); err != nil {
			log.Warn().Str("module", "gateway.hub").Str("session", string(s.id)).Str("client", string(cid)).Msg("dropping slow subscriber")
			drop(cid)
			continue
		}
		sent++
	}
	log.Debug().Str("module", "gateway.hub").Str("session", string(s.id)).Str("type", env.Type).Int("sent_to", sent).Msg("broadcast state")
}

func (s *SessionState) dropRosterSub(cid ClientID) {
	s.mu.Lock()
	delete(s.rosterSubs, cid)
	s.mu.Unlock()
}

func (s *SessionState) dropRequestSub(cid ClientID) {
	s.mu.Lock()
	delete(s.requestSubs, cid)
	s.mu.Unlock()
}

func sendState(conn Sender, env sync.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway.hub").Msg("state marshal")
		return
	}
	_ = conn.TrySend(data)
}

func rosterEnvelope(sid domain.SessionID, doc sync.Document) sync.Envelope {
	return sync.Envelope{Type: sync.MsgRosterState, Session: string(sid), Doc: json.RawMessage(doc)}
}

func requestsEnvelope(sid domain.SessionID, docs []json.RawMessage) sync.Envelope {
	return sync.Envelope{Type: sync.MsgRequestsState, Session: string(sid), Docs: docs}
}

// Hub tracks every live session document set.
type Hub struct {
	mu       gosync.RWMutex
	sessions map[domain.SessionID]*SessionState
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[domain.SessionID]*SessionState)}
}

func (h *Hub) GetOrCreate(sid domain.SessionID) *SessionState {
	h.mu.RLock()
	state, ok := h.sessions[sid]
	h.mu.RUnlock()
	if ok {
		return state
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok = h.sessions[sid]; ok {
		return state
	}
	state = newSessionState(sid)
	h.sessions[sid] = state
	log.Info().Str("module", "gateway.hub").Str("session", string(sid)).Msg("session created")
	return state
}

type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	Subscribers int              `json:"subscribers"`
}

func (h *Hub) List() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for sid, s := range h.sessions {
		out = append(out, SessionInfo{ID: sid, Subscribers: s.SubscriberCount()})
	}
	return out
}

// DetachClient removes a disconnected client from every session feed.
func (h *Hub) DetachClient(cid ClientID) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.Detach(cid)
	}
}

// Evict drops a whole session's documents and subscribers.
func (h *Hub) Evict(sid domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sid)
}
