// Package roster holds the authoritative local view of a session's
// speakers and listeners.
//
// The store is pure in-memory data with no locking: every mutation is
// serialized on the coordinator's event loop. Participants are keyed
// by identity in a single map, so one identity can never hold two
// roles at once.
package roster

import (
	"github.com/dkeye/Party/internal/domain"
)

type Store struct {
	byID map[domain.UserID]domain.Participant
}

func New() *Store {
	return &Store{byID: make(map[domain.UserID]domain.Participant)}
}

func (s *Store) Len() int { return len(s.byID) }

func (s *Store) Get(id domain.UserID) (domain.Participant, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// AddSpeaker inserts p as a speaker. If the identity is currently a
// listener it transitions atomically; there is no intermediate state
// where it is in both roles or neither.
func (s *Store) AddSpeaker(p domain.Participant) {
	p.Role = domain.RoleSpeaker
	s.byID[p.ID] = p
}

// AddListener inserts p as a listener. Speaker-only fields are cleared
// so a demoted speaker does not keep a stale speaking flag.
func (s *Store) AddListener(p domain.Participant) {
	p.Role = domain.RoleListener
	p.IsHost = false
	p.IsSpeaking = false
	s.byID[p.ID] = p
}

// Remove drops the identity from whichever role holds it. No-op if absent.
func (s *Store) Remove(id domain.UserID) {
	delete(s.byID, id)
}

// SetSpeaking flips the speaking flag. No-op if the identity is not
// currently a speaker; returns whether the stored value changed.
func (s *Store) SetSpeaking(id domain.UserID, speaking bool) bool {
	p, ok := s.byID[id]
	if !ok || p.Role != domain.RoleSpeaker {
		return false
	}
	if p.IsSpeaking == speaking {
		return false
	}
	p.IsSpeaking = speaking
	s.byID[id] = p
	return true
}

// Snapshot returns an immutable full-state projection for publication.
func (s *Store) Snapshot() domain.RosterSnapshot {
	snap := domain.RosterSnapshot{
		Speakers:  make([]domain.Participant, 0, len(s.byID)),
		Listeners: make([]domain.Participant, 0),
	}
	for _, p := range s.byID {
		if p.Role == domain.RoleSpeaker {
			snap.Speakers = append(snap.Speakers, p)
		} else {
			snap.Listeners = append(snap.Listeners, p)
		}
	}
	domain.SortParticipants(snap.Speakers)
	domain.SortParticipants(snap.Listeners)
	return snap
}

// Replace swaps in a remote snapshot wholesale. The caller has already
// resolved conflicts; this only guards the disjointness invariant. If a
// malformed snapshot lists the same identity in both sets, the speaker
// entry wins. Applying the same snapshot twice is idempotent.
func (s *Store) Replace(snap domain.RosterSnapshot) {
	next := make(map[domain.UserID]domain.Participant, len(snap.Speakers)+len(snap.Listeners))
	for _, p := range snap.Listeners {
		p.Role = domain.RoleListener
		p.IsHost = false
		p.IsSpeaking = false
		next[p.ID] = p
	}
	for _, p := range snap.Speakers {
		p.Role = domain.RoleSpeaker
		next[p.ID] = p
	}
	s.byID = next
}
