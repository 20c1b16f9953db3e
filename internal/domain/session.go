package domain

type SessionID string

// Session identifies one active party voice room.
// Host is the identity that started voice chat for the party.
type Session struct {
	ID   SessionID
	Host UserID
}
