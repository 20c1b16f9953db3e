package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Party/internal/domain"
)

// Wire schema for shared-store documents. Decoding is strict and
// per-record fallible: a record that fails to parse or validate is
// dropped and counted, never allowed to crash the merge.

type participantDoc struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsHost      bool   `json:"is_host,omitempty"`
	IsSpeaking  bool   `json:"is_speaking,omitempty"`
	JoinedAt    int64  `json:"joined_at"` // unix milliseconds
}

type rosterDoc struct {
	Speakers  []json.RawMessage `json:"speakers"`
	Listeners []json.RawMessage `json:"listeners"`
}

type requestDoc struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func encodeParticipant(p domain.Participant) participantDoc {
	return participantDoc{
		ID:          string(p.ID),
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		IsHost:      p.IsHost,
		IsSpeaking:  p.IsSpeaking,
		JoinedAt:    p.JoinedAt.UnixMilli(),
	}
}

func EncodeRoster(snap domain.RosterSnapshot) (Document, error) {
	doc := struct {
		Speakers  []participantDoc `json:"speakers"`
		Listeners []participantDoc `json:"listeners"`
	}{
		Speakers:  make([]participantDoc, 0, len(snap.Speakers)),
		Listeners: make([]participantDoc, 0, len(snap.Listeners)),
	}
	for _, p := range snap.Speakers {
		doc.Speakers = append(doc.Speakers, encodeParticipant(p))
	}
	for _, p := range snap.Listeners {
		doc.Listeners = append(doc.Listeners, encodeParticipant(p))
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}
	return b, nil
}

// DecodeRoster parses a remote roster document. Malformed records are
// dropped and counted; only a malformed top-level document is an error.
func DecodeRoster(doc Document) (domain.RosterSnapshot, int, error) {
	var raw rosterDoc
	if err := json.Unmarshal(doc, &raw); err != nil {
		return domain.RosterSnapshot{}, 0, fmt.Errorf("decode roster: %w", err)
	}
	snap := domain.RosterSnapshot{
		Speakers:  make([]domain.Participant, 0, len(raw.Speakers)),
		Listeners: make([]domain.Participant, 0, len(raw.Listeners)),
	}
	dropped := 0
	for _, rec := range raw.Speakers {
		p, ok := decodeParticipant(rec, domain.RoleSpeaker)
		if !ok {
			dropped++
			continue
		}
		snap.Speakers = append(snap.Speakers, p)
	}
	for _, rec := range raw.Listeners {
		p, ok := decodeParticipant(rec, domain.RoleListener)
		if !ok {
			dropped++
			continue
		}
		snap.Listeners = append(snap.Listeners, p)
	}
	return snap, dropped, nil
}

func decodeParticipant(rec json.RawMessage, role domain.Role) (domain.Participant, bool) {
	var d participantDoc
	if err := json.Unmarshal(rec, &d); err != nil {
		return domain.Participant{}, false
	}
	if d.ID == "" || d.DisplayName == "" || len(d.DisplayName) > domain.MaxDisplayNameLen {
		return domain.Participant{}, false
	}
	p := domain.Participant{
		ID:          domain.UserID(d.ID),
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
		Role:        role,
		JoinedAt:    time.UnixMilli(d.JoinedAt),
	}
	if role == domain.RoleSpeaker {
		p.IsHost = d.IsHost
		p.IsSpeaking = d.IsSpeaking
	}
	return p, true
}

func EncodeRequest(req domain.SpeakRequest) (Document, error) {
	b, err := json.Marshal(requestDoc{
		ID:        string(req.ID),
		UserID:    string(req.UserID),
		UserName:  req.UserName,
		Status:    string(req.Status),
		Timestamp: req.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode speak request: %w", err)
	}
	return b, nil
}

// DecodeRequests parses the full pending-request list from the change
// feed. Records with an unknown status or missing identity are dropped
// and counted.
func DecodeRequests(doc Document) ([]domain.SpeakRequest, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode speak requests: %w", err)
	}
	out := make([]domain.SpeakRequest, 0, len(raw))
	dropped := 0
	for _, rec := range raw {
		var d requestDoc
		if err := json.Unmarshal(rec, &d); err != nil {
			dropped++
			continue
		}
		status := domain.RequestStatus(d.Status)
		if d.ID == "" || d.UserID == "" || !status.Valid() {
			dropped++
			continue
		}
		out = append(out, domain.SpeakRequest{
			ID:        domain.RequestID(d.ID),
			UserID:    domain.UserID(d.UserID),
			UserName:  d.UserName,
			Status:    status,
			Timestamp: time.UnixMilli(d.Timestamp),
		})
	}
	return out, dropped, nil
}
