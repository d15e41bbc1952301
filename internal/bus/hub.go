// Package bus is the room message bus: rooms of members, presence notifications on every
// membership change and best-effort fan-out of member payloads.
package bus

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/presence"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure    = errors.New("backpressure")
	ErrRoomFull        = errors.New("room is full")
	ErrDuplicateMember = errors.New("participant already in room")
	ErrNotMember       = errors.New("not a member of the room")
	ErrHubClosed       = errors.New("hub closed")
)

type Option func(*Hub)

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

// WithMaxMembers caps room size. Zero means unlimited.
func WithMaxMembers(n int) Option { return func(h *Hub) { h.maxMembers = n } }

// Hub owns every live room. A room is created by its first join and dropped when its
// last member leaves. Membership changes and their presence broadcasts are serialized, so
// every member observes joins and leaves in the same order.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomID]*Room
	policy     Policy
	maxMembers int
	closed     bool
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{rooms: make(map[domain.RoomID]*Room), policy: SimplePolicy{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Join adds m to the room. The joiner receives a joined ack and the current membership;
// everyone else receives a presence join.
func (h *Hub) Join(roomID domain.RoomID, m *Member) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	room, ok := h.rooms[roomID]
	if !ok {
		room = NewRoom(roomID)
	}
	if h.maxMembers > 0 && room.MemberCount() >= h.maxMembers {
		h.mu.Unlock()
		return ErrRoomFull
	}
	if !room.add(m) {
		h.mu.Unlock()
		return ErrDuplicateMember
	}
	if !ok {
		h.rooms[roomID] = room
		log.Info().Str("module", "bus.hub").Str("room", string(roomID)).Msg("room created")
	}

	others := slices.DeleteFunc(room.Members(), func(id domain.ParticipantID) bool { return id == m.ID })
	var slow []*Member
	for _, f := range []struct {
		event   Event
		payload any
	}{
		{EventJoined, JoinPayload{ID: m.ID}},
		{EventPresenceState, StatePayload{Members: others}},
	} {
		if !h.sendTo(m, roomID, f.event, f.payload) {
			slow = append(slow, m)
			break
		}
	}
	res := h.broadcast(room, m.ID, EventPresenceDiff, presence.Diff{Joins: []domain.ParticipantID{m.ID}})
	h.mu.Unlock()

	log.Info().Str("module", "bus.hub").Str("room", string(roomID)).Str("member", string(m.ID)).Str("sid", m.Token).Int("members", len(others)+1).Msg("joined")
	h.backpressure(room, append(slow, res.Dropped...))
	return nil
}

// Leave removes m from the room and tells the rest. It reports false if m was not there.
func (h *Hub) Leave(roomID domain.RoomID, m *Member) bool {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok || !room.remove(m) {
		h.mu.Unlock()
		return false
	}
	if room.MemberCount() == 0 {
		delete(h.rooms, roomID)
		log.Info().Str("module", "bus.hub").Str("room", string(roomID)).Msg("room removed")
	}
	res := h.broadcast(room, m.ID, EventPresenceDiff, presence.Diff{Leaves: []domain.ParticipantID{m.ID}})
	h.mu.Unlock()

	log.Info().Str("module", "bus.hub").Str("room", string(roomID)).Str("member", string(m.ID)).Str("sid", m.Token).Msg("left")
	h.backpressure(room, res.Dropped)
	return true
}

// Publish relays a member payload to every other member, stamped with the sender.
func (h *Hub) Publish(roomID domain.RoomID, from *Member, event Event, body BodyPayload) error {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	if !ok || !room.Has(from) {
		h.mu.RUnlock()
		return ErrNotMember
	}
	body.Sender = from.ID
	res := h.broadcast(room, from.ID, event, body)
	h.mu.RUnlock()

	h.backpressure(room, res.Dropped)
	return nil
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, r := range h.rooms {
		out = append(out, RoomInfo{Name: id, MemberCount: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.Name), string(b.Name)) })
	return out
}

func (h *Hub) Members(roomID domain.RoomID) []domain.ParticipantID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[roomID]; ok {
		return r.Members()
	}
	return nil
}

// Close evicts every member and refuses further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var evicted []*Member
	for id, r := range h.rooms {
		r.mu.RLock()
		for _, m := range r.members {
			evicted = append(evicted, m)
		}
		r.mu.RUnlock()
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	for _, m := range evicted {
		m.Conn.Close()
	}
	log.Info().Str("module", "bus.hub").Int("evicted", len(evicted)).Msg("hub closed")
}

func (h *Hub) sendTo(m *Member, roomID domain.RoomID, event Event, payload any) bool {
	frame, err := Encode(event, roomID, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "bus.hub").Msg("encode frame")
		return true
	}
	return m.Conn.TrySend(frame) == nil
}

func (h *Hub) broadcast(room *Room, from domain.ParticipantID, event Event, payload any) PublishResult {
	frame, err := Encode(event, room.ID(), payload)
	if err != nil {
		log.Error().Err(err).Str("module", "bus.hub").Msg("encode frame")
		return PublishResult{}
	}
	return room.Broadcast(from, frame)
}

func (h *Hub) backpressure(room *Room, slow []*Member) {
	for _, m := range slow {
		action := h.policy.OnBackPressure(room, m)
		log.Warn().Str("module", "bus.hub").Str("room", string(room.ID())).Str("member", string(m.ID)).Str("action", action.String()).Msg("member send queue full")
		if action == KickMember && h.Leave(room.ID(), m) {
			m.Conn.Close()
		}
	}
}
