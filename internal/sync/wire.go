package sync

import "encoding/json"

// Envelope is the websocket message frame spoken between the store
// client and the sync gateway. One struct both ways; unused fields are
// omitted.
type Envelope struct {
	Type      string            `json:"type"`
	Session   string            `json:"session,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Doc       json.RawMessage   `json:"doc,omitempty"`
	Docs      []json.RawMessage `json:"docs,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Client -> gateway message types.
const (
	MsgSetRoster         = "set_roster"
	MsgUpsertRequest     = "upsert_request"
	MsgDeleteRequest     = "delete_request"
	MsgSubscribeRoster   = "subscribe_roster"
	MsgSubscribeRequests = "subscribe_requests"
	MsgPing              = "ping"
)

// Gateway -> client message types.
const (
	MsgRosterState   = "roster_state"
	MsgRequestsState = "requests_state"
	MsgPong          = "pong"
	MsgError         = "error"
)
