package domain

import "sort"

// RosterSnapshot is the externally-synchronized projection of a
// session's roster: the full speaker and listener sets. It is the unit
// of conflict resolution between devices; every publish carries the
// whole snapshot, never a delta.
type RosterSnapshot struct {
	Speakers  []Participant `json:"speakers"`
	Listeners []Participant `json:"listeners"`
}

// Find returns the participant with the given identity, if present in
// either set.
func (s RosterSnapshot) Find(id UserID) (Participant, bool) {
	for _, p := range s.Speakers {
		if p.ID == id {
			return p, true
		}
	}
	for _, p := range s.Listeners {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Equal reports order-independent set equality of both roles.
func (s RosterSnapshot) Equal(other RosterSnapshot) bool {
	return setEqual(s.Speakers, other.Speakers) && setEqual(s.Listeners, other.Listeners)
}

func setEqual(a, b []Participant) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[UserID]Participant, len(a))
	for _, p := range a {
		byID[p.ID] = p
	}
	for _, p := range b {
		q, ok := byID[p.ID]
		if !ok || !q.Equal(p) {
			return false
		}
	}
	return true
}

// SortParticipants orders by join time, then identity, for stable output.
func SortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
