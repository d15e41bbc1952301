// Package presence turns the bus's membership feed into join and leave notifications.
package presence

import (
	"slices"

	"github.com/dkeye/meshroom/internal/domain"
)

// Diff is one membership change event as delivered by the transport.
type Diff struct {
	Joins  []domain.ParticipantID `json:"joins"`
	Leaves []domain.ParticipantID `json:"leaves"`
}

// Snapshot is an immutable membership set. The zero value is empty.
type Snapshot struct {
	members map[domain.ParticipantID]struct{}
}

func NewSnapshot(ids ...domain.ParticipantID) Snapshot {
	m := make(map[domain.ParticipantID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return Snapshot{members: m}
}

func (s Snapshot) Has(id domain.ParticipantID) bool {
	_, ok := s.members[id]
	return ok
}

func (s Snapshot) Len() int { return len(s.members) }

// Members returns the identities in lexical order.
func (s Snapshot) Members() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Reduce applies d to prev and reports which identities became present and absent.
// prev is never modified. A join for a present identity and a leave for an absent one
// are no-ops. An identity listed in both Joins and Leaves is a metadata update and
// stays present.
func Reduce(prev Snapshot, d Diff) (next Snapshot, joined, left []domain.ParticipantID) {
	m := make(map[domain.ParticipantID]struct{}, len(prev.members)+len(d.Joins))
	for id := range prev.members {
		m[id] = struct{}{}
	}
	rejoining := make(map[domain.ParticipantID]struct{}, len(d.Joins))
	for _, id := range d.Joins {
		rejoining[id] = struct{}{}
	}

	for _, id := range d.Joins {
		if _, ok := m[id]; ok {
			continue
		}
		m[id] = struct{}{}
		joined = append(joined, id)
	}
	for _, id := range d.Leaves {
		if _, ok := rejoining[id]; ok {
			continue
		}
		if _, ok := m[id]; !ok {
			continue
		}
		delete(m, id)
		left = append(left, id)
	}
	return Snapshot{members: m}, joined, left
}
