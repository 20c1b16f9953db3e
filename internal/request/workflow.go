// Package request runs the request-to-speak state machine for one
// session: pending -> approved | declined, one pending request per
// identity, resolved requests immutable.
//
// Like the roster store, the workflow carries no locking; the
// coordinator's event loop serializes all access.
package request

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Party/internal/domain"
)

var ErrDuplicateRequest = errors.New("pending speak request already exists")

type Workflow struct {
	byID          map[domain.RequestID]domain.SpeakRequest
	pendingByUser map[domain.UserID]domain.RequestID

	// now is swappable for deterministic tests.
	now func() time.Time
}

func New() *Workflow {
	return &Workflow{
		byID:          make(map[domain.RequestID]domain.SpeakRequest),
		pendingByUser: make(map[domain.UserID]domain.RequestID),
		// Timestamps travel at millisecond precision on the wire.
		now: func() time.Time { return time.Now().Truncate(time.Millisecond) },
	}
}

// Request creates a new pending request for the identity and returns
// it for publication. Fails with ErrDuplicateRequest while a pending
// request for the same identity exists.
func (w *Workflow) Request(id domain.UserID, displayName string) (domain.SpeakRequest, error) {
	if _, ok := w.pendingByUser[id]; ok {
		return domain.SpeakRequest{}, ErrDuplicateRequest
	}
	req := domain.SpeakRequest{
		ID:        domain.RequestID(uuid.NewString()),
		UserID:    id,
		UserName:  displayName,
		Status:    domain.RequestPending,
		Timestamp: w.now(),
	}
	w.byID[req.ID] = req
	w.pendingByUser[id] = req.ID
	return req, nil
}

// Cancel withdraws the identity's pending request, returning the
// removed record so the caller can delete it from the shared store.
// No-op on resolved requests.
func (w *Workflow) Cancel(id domain.UserID) (domain.SpeakRequest, bool) {
	rid, ok := w.pendingByUser[id]
	if !ok {
		return domain.SpeakRequest{}, false
	}
	req := w.byID[rid]
	delete(w.byID, rid)
	delete(w.pendingByUser, id)
	return req, true
}

// Approve transitions pending -> approved. Returns the resolved record
// and true when a transition happened; calling on an unknown or
// non-pending request is a no-op, which makes duplicate remote events
// harmless.
func (w *Workflow) Approve(rid domain.RequestID) (domain.SpeakRequest, bool) {
	return w.resolve(rid, domain.RequestApproved)
}

// Decline transitions pending -> declined. Same idempotency as Approve.
func (w *Workflow) Decline(rid domain.RequestID) (domain.SpeakRequest, bool) {
	return w.resolve(rid, domain.RequestDeclined)
}

func (w *Workflow) resolve(rid domain.RequestID, status domain.RequestStatus) (domain.SpeakRequest, bool) {
	req, ok := w.byID[rid]
	if !ok || req.Status != domain.RequestPending {
		return domain.SpeakRequest{}, false
	}
	req.Status = status
	w.byID[rid] = req
	delete(w.pendingByUser, req.UserID)
	return req, true
}

func (w *Workflow) Get(rid domain.RequestID) (domain.SpeakRequest, bool) {
	req, ok := w.byID[rid]
	return req, ok
}

// PendingFor returns the identity's pending request, if any.
func (w *Workflow) PendingFor(id domain.UserID) (domain.SpeakRequest, bool) {
	rid, ok := w.pendingByUser[id]
	if !ok {
		return domain.SpeakRequest{}, false
	}
	return w.byID[rid], true
}

// Pending lists all pending requests ordered by timestamp ascending.
func (w *Workflow) Pending() []domain.SpeakRequest {
	out := make([]domain.SpeakRequest, 0, len(w.pendingByUser))
	for _, rid := range w.pendingByUser {
		out = append(out, w.byID[rid])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore reinstates a locally created pending request that the remote
// feed has not caught up with yet. No-op if the identity already has a
// pending request or the record is not pending.
func (w *Workflow) Restore(req domain.SpeakRequest) {
	if req.Status != domain.RequestPending {
		return
	}
	if _, ok := w.pendingByUser[req.UserID]; ok {
		return
	}
	w.byID[req.ID] = req
	w.pendingByUser[req.UserID] = req.ID
}

// ReplacePending reconciles the remote full pending list into the
// workflow. Requests no longer pending remotely are dropped from the
// pending set; resolved local records stay immutable. Records carrying
// a non-pending status are ignored.
func (w *Workflow) ReplacePending(list []domain.SpeakRequest) {
	for uid, rid := range w.pendingByUser {
		delete(w.byID, rid)
		delete(w.pendingByUser, uid)
	}
	for _, req := range list {
		if req.Status != domain.RequestPending {
			continue
		}
		if _, ok := w.byID[req.ID]; ok {
			// Resolved locally; the feed has not caught up yet.
			continue
		}
		w.byID[req.ID] = req
		w.pendingByUser[req.UserID] = req.ID
	}
}
