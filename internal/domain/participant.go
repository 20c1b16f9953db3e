// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDEmpty        = errors.New("user id empty")
)

type UserID string

// Role is the tagged variant a participant is in. One identity holds
// exactly one role at a time; the roster keys participants by UserID,
// so an identity can never be a speaker and a listener at once.
type Role int

const (
	RoleListener Role = iota
	RoleSpeaker
)

func (r Role) String() string {
	if r == RoleSpeaker {
		return "speaker"
	}
	return "listener"
}

// Participant is one person in a voice session.
// IsHost and IsSpeaking only carry meaning while Role == RoleSpeaker.
type Participant struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        Role      `json:"-"`
	IsHost      bool      `json:"is_host,omitempty"`
	IsSpeaking  bool      `json:"is_speaking,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// NewListener avoids raw literals in callers and keeps construction obvious.
func NewListener(id UserID, displayName, avatarURL string, joinedAt time.Time) (Participant, error) {
	if err := validateIdentity(id, displayName); err != nil {
		return Participant{}, err
	}
	return Participant{
		ID:          id,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Role:        RoleListener,
		JoinedAt:    joinedAt,
	}, nil
}

func NewSpeaker(id UserID, displayName, avatarURL string, isHost bool, joinedAt time.Time) (Participant, error) {
	if err := validateIdentity(id, displayName); err != nil {
		return Participant{}, err
	}
	return Participant{
		ID:          id,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Role:        RoleSpeaker,
		IsHost:      isHost,
		JoinedAt:    joinedAt,
	}, nil
}

// Equal compares all fields, with join time compared as an instant so
// snapshots survive wire round-trips that lose the monotonic reading.
func (p Participant) Equal(o Participant) bool {
	return p.ID == o.ID &&
		p.DisplayName == o.DisplayName &&
		p.AvatarURL == o.AvatarURL &&
		p.Role == o.Role &&
		p.IsHost == o.IsHost &&
		p.IsSpeaking == o.IsSpeaking &&
		p.JoinedAt.Equal(o.JoinedAt)
}

func validateIdentity(id UserID, displayName string) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(displayName) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
