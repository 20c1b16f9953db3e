package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/sync"
)

type recordSender struct {
	frames  []sync.Envelope
	sendErr error
}

func (r *recordSender) TrySend(data []byte) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	var env sync.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.frames = append(r.frames, env)
	return nil
}

func (r *recordSender) last() sync.Envelope {
	return r.frames[len(r.frames)-1]
}

func requestDoc(rid, status string, ts int64) sync.Document {
	doc, _ := json.Marshal(map[string]any{
		"id": rid, "user_id": "u-" + rid, "user_name": "n", "status": status, "timestamp": ts,
	})
	return doc
}

func TestSetRosterBroadcasts(t *testing.T) {
	hub := NewHub()
	state := hub.GetOrCreate("party-1")

	a := &recordSender{}
	b := &recordSender{}
	state.SubscribeRoster("ca", a)
	state.SubscribeRoster("cb", b)
	assert.Empty(t, a.frames, "no roster document yet, nothing to replay")

	doc := sync.Document(`{"speakers":[],"listeners":[]}`)
	state.SetRoster(doc)

	require.Len(t, a.frames, 1)
	require.Len(t, b.frames, 1)
	assert.Equal(t, sync.MsgRosterState, a.last().Type)
	assert.Equal(t, "party-1", a.last().Session)
	assert.JSONEq(t, string(doc), string(a.last().Doc))
}

func TestSubscribeRosterReplaysCurrent(t *testing.T) {
	state := newSessionState("party-1")
	doc := sync.Document(`{"speakers":[{"id":"h1","display_name":"host","joined_at":1}],"listeners":[]}`)
	state.SetRoster(doc)

	late := &recordSender{}
	state.SubscribeRoster("late", late)

	require.Len(t, late.frames, 1)
	assert.JSONEq(t, string(doc), string(late.last().Doc))
}

func TestRequestFeedIsPendingOnlyAscending(t *testing.T) {
	state := newSessionState("party-1")
	conn := &recordSender{}
	state.SubscribeRequests("c1", conn)
	require.Len(t, conn.frames, 1, "subscription replays the (empty) pending list")
	assert.Empty(t, conn.last().Docs)

	state.UpsertRequest("r2", requestDoc("r2", "pending", 2000))
	state.UpsertRequest("r1", requestDoc("r1", "pending", 1000))
	state.UpsertRequest("r3", requestDoc("r3", "approved", 500))

	docs := conn.last().Docs
	require.Len(t, docs, 2, "resolved requests never appear in the feed")
	var first, second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(docs[0], &first))
	require.NoError(t, json.Unmarshal(docs[1], &second))
	assert.Equal(t, "r1", first.ID)
	assert.Equal(t, "r2", second.ID)

	// Rewriting a record with a terminal status removes it from the feed.
	state.UpsertRequest("r1", requestDoc("r1", "declined", 1000))
	require.Len(t, conn.last().Docs, 1)

	// Deletion (cancellation) empties the rest.
	state.DeleteRequest("r2")
	assert.Empty(t, conn.last().Docs)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	state := newSessionState("party-1")
	healthy := &recordSender{}
	stalled := &recordSender{sendErr: ErrBackpressure}
	state.SubscribeRoster("ok", healthy)
	state.SubscribeRoster("slow", stalled)

	state.SetRoster(sync.Document(`{"speakers":[],"listeners":[]}`))
	require.Len(t, healthy.frames, 1)

	// The stalled client was removed; later writes only reach the rest.
	stalled.sendErr = nil
	state.SetRoster(sync.Document(`{"speakers":[],"listeners":[]}`))
	assert.Len(t, healthy.frames, 2)
	assert.Empty(t, stalled.frames)
}

func TestDetachRemovesFromBothFeeds(t *testing.T) {
	state := newSessionState("party-1")
	conn := &recordSender{}
	state.SubscribeRoster("c1", conn)
	state.SubscribeRequests("c1", conn)
	require.Len(t, conn.frames, 1)

	state.Detach("c1")
	state.SetRoster(sync.Document(`{"speakers":[],"listeners":[]}`))
	state.UpsertRequest("r1", requestDoc("r1", "pending", 1))
	assert.Len(t, conn.frames, 1, "a detached client receives nothing")
}

func TestHubGetOrCreateReusesSession(t *testing.T) {
	hub := NewHub()
	a := hub.GetOrCreate("party-1")
	b := hub.GetOrCreate("party-1")
	assert.Same(t, a, b)

	list := hub.List()
	require.Len(t, list, 1)
	assert.Equal(t, domain.SessionID("party-1"), list[0].ID)
}

func TestDetachClientSpansSessions(t *testing.T) {
	hub := NewHub()
	conn := &recordSender{}
	hub.GetOrCreate("p1").SubscribeRoster("c1", conn)
	hub.GetOrCreate("p2").SubscribeRoster("c1", conn)

	hub.DetachClient("c1")
	hub.GetOrCreate("p1").SetRoster(sync.Document(`{}`))
	hub.GetOrCreate("p2").SetRoster(sync.Document(`{}`))
	assert.Empty(t, conn.frames)
}

func TestWriteRateLimiter(t *testing.T) {
	rl := NewWriteRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("c1"))
	}
	assert.False(t, rl.Allow("c1"), "limit reached inside the window")
	assert.True(t, rl.Allow("c2"), "limits are per client")
}

func TestWriteRateLimiterWindowSlides(t *testing.T) {
	rl := NewWriteRateLimiter(2, 10*time.Millisecond)
	require.True(t, rl.Allow("c1"))
	require.True(t, rl.Allow("c1"))
	require.False(t, rl.Allow("c1"))

	time.Sleep(15 * time.Millisecond)
	assert.True(t, rl.Allow("c1"), "old attempts fall out of the window")
}
