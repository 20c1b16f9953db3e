package domain

import "time"

type RequestID string

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDeclined RequestStatus = "declined"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestDeclined:
		return true
	}
	return false
}

// Terminal reports whether the status can never change again.
// A resolved request is immutable; asking again creates a new record.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestDeclined
}

// SpeakRequest is a listener's ask to be promoted to speaker.
type SpeakRequest struct {
	ID        RequestID     `json:"id"`
	UserID    UserID        `json:"user_id"`
	UserName  string        `json:"user_name"`
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}
