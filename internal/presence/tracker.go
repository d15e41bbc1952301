package presence

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type Handler func(domain.ParticipantID)

// Tracker keeps the last known membership snapshot of one room and fires a handler once
// per identity that joins or leaves. The local participant never reaches a handler.
// Not safe for concurrent use; it lives on the room's event loop.
type Tracker struct {
	self    domain.ParticipantID
	snap    Snapshot
	onJoin  Handler
	onLeave Handler
}

func NewTracker(self domain.ParticipantID) *Tracker {
	return &Tracker{self: self}
}

func (t *Tracker) OnJoin(h Handler)  { t.onJoin = h }
func (t *Tracker) OnLeave(h Handler) { t.onLeave = h }

// Apply consumes one diff event.
func (t *Tracker) Apply(d Diff) {
	next, joined, left := Reduce(t.snap, t.withoutSelf(d))
	t.snap = next
	log.Debug().
		Str("module", "presence").
		Int("joined", len(joined)).
		Int("left", len(left)).
		Int("members", next.Len()).
		Msg("presence diff applied")

	for _, id := range joined {
		if t.onJoin != nil {
			t.onJoin(id)
		}
	}
	for _, id := range left {
		if t.onLeave != nil {
			t.onLeave(id)
		}
	}
}

// Seed installs the membership found on arrival. Members already present fire no join:
// a newcomer waits for their offers instead of sending its own. Later diffs are applied
// against the seeded snapshot, so a seeded member's leave still fires.
func (t *Tracker) Seed(state []domain.ParticipantID) {
	t.snap = NewSnapshot(t.filter(state)...)
	log.Debug().
		Str("module", "presence").
		Int("members", t.snap.Len()).
		Msg("presence state seeded")
}

func (t *Tracker) Snapshot() Snapshot { return t.snap }

// Reset forgets every member without firing handlers.
func (t *Tracker) Reset() { t.snap = Snapshot{} }

func (t *Tracker) withoutSelf(d Diff) Diff {
	return Diff{Joins: t.filter(d.Joins), Leaves: t.filter(d.Leaves)}
}

func (t *Tracker) filter(ids []domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(ids))
	for _, id := range ids {
		if id != t.self && id != "" {
			out = append(out, id)
		}
	}
	return out
}
