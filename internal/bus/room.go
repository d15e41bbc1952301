package bus

import (
	"slices"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// PublishResult reports delivery stats and back-pressure to the hub.
type PublishResult struct {
	SentTo  int
	Dropped []*Member
}

type RoomInfo struct {
	Name        domain.RoomID `json:"name"`
	MemberCount int           `json:"member_count"`
}

// Room is a threadsafe in-memory membership set that fans frames out.
// It never closes adapter-owned resources.
type Room struct {
	id      domain.RoomID
	mu      sync.RWMutex
	members map[domain.ParticipantID]*Member
}

func NewRoom(id domain.RoomID) *Room {
	return &Room{id: id, members: make(map[domain.ParticipantID]*Member)}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) add(m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID]; ok {
		return false
	}
	r.members[m.ID] = m
	log.Info().Str("module", "bus.room").Str("room", string(r.id)).Str("member", string(m.ID)).Msg("member added")
	return true
}

// remove deletes m only if it is still the registered holder of its identity.
func (r *Room) remove(m *Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[m.ID]; !ok || cur != m {
		return false
	}
	delete(r.members, m.ID)
	log.Info().Str("module", "bus.room").Str("room", string(r.id)).Str("member", string(m.ID)).Msg("member removed")
	return true
}

func (r *Room) Has(m *Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[m.ID] == m
}

// Members returns the member identities in lexical order.
func (r *Room) Members() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Broadcast sends frame to every member except from.
func (r *Room) Broadcast(from domain.ParticipantID, frame []byte) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if err := m.Conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "bus.room").Str("room", string(r.id)).Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
