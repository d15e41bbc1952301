package presence

import (
	"slices"
	"testing"

	"github.com/dkeye/meshroom/internal/domain"
)

type recorder struct {
	joins  []domain.ParticipantID
	leaves []domain.ParticipantID
}

func newRecordingTracker(self domain.ParticipantID) (*Tracker, *recorder) {
	rec := &recorder{}
	tr := NewTracker(self)
	tr.OnJoin(func(id domain.ParticipantID) { rec.joins = append(rec.joins, id) })
	tr.OnLeave(func(id domain.ParticipantID) { rec.leaves = append(rec.leaves, id) })
	return tr, rec
}

func TestReduceDoesNotMutatePrevious(t *testing.T) {
	prev := NewSnapshot("a")
	next, joined, left := Reduce(prev, Diff{Joins: []domain.ParticipantID{"b"}, Leaves: []domain.ParticipantID{"a"}})

	if !prev.Has("a") || prev.Has("b") {
		t.Fatalf("previous snapshot changed: %v", prev.Members())
	}
	if !slices.Equal(next.Members(), []domain.ParticipantID{"b"}) {
		t.Fatalf("next = %v", next.Members())
	}
	if !slices.Equal(joined, []domain.ParticipantID{"b"}) || !slices.Equal(left, []domain.ParticipantID{"a"}) {
		t.Fatalf("joined=%v left=%v", joined, left)
	}
}

func TestReduceMetadataUpdateStaysPresent(t *testing.T) {
	prev := NewSnapshot("a")
	next, joined, left := Reduce(prev, Diff{Joins: []domain.ParticipantID{"a"}, Leaves: []domain.ParticipantID{"a"}})
	if !next.Has("a") || len(joined) != 0 || len(left) != 0 {
		t.Fatalf("next=%v joined=%v left=%v", next.Members(), joined, left)
	}
}

func TestTrackerIdempotentAndTolerant(t *testing.T) {
	tr, rec := newRecordingTracker("me")

	tr.Apply(Diff{Joins: []domain.ParticipantID{"a", "a"}})
	tr.Apply(Diff{Joins: []domain.ParticipantID{"a"}})
	tr.Apply(Diff{Leaves: []domain.ParticipantID{"ghost"}})
	tr.Apply(Diff{Leaves: []domain.ParticipantID{"a"}})
	tr.Apply(Diff{Leaves: []domain.ParticipantID{"a"}})

	if !slices.Equal(rec.joins, []domain.ParticipantID{"a"}) {
		t.Fatalf("joins = %v", rec.joins)
	}
	if !slices.Equal(rec.leaves, []domain.ParticipantID{"a"}) {
		t.Fatalf("leaves = %v", rec.leaves)
	}
}

func TestTrackerExcludesSelf(t *testing.T) {
	tr, rec := newRecordingTracker("me")

	tr.Apply(Diff{Joins: []domain.ParticipantID{"me", "b"}})
	tr.Apply(Diff{Leaves: []domain.ParticipantID{"me"}})

	if !slices.Equal(rec.joins, []domain.ParticipantID{"b"}) || len(rec.leaves) != 0 {
		t.Fatalf("joins=%v leaves=%v", rec.joins, rec.leaves)
	}
	if tr.Snapshot().Has("me") {
		t.Fatal("local identity must not be tracked")
	}
}

func TestTrackerSeedFiresNothing(t *testing.T) {
	tr, rec := newRecordingTracker("me")

	tr.Seed([]domain.ParticipantID{"me", "a", "b"})
	if len(rec.joins) != 0 || len(rec.leaves) != 0 {
		t.Fatalf("seed fired handlers: joins=%v leaves=%v", rec.joins, rec.leaves)
	}
	if got := tr.Snapshot().Members(); !slices.Equal(got, []domain.ParticipantID{"a", "b"}) {
		t.Fatalf("members = %v", got)
	}

	tr.Apply(Diff{Joins: []domain.ParticipantID{"a", "c"}, Leaves: []domain.ParticipantID{"b"}})
	if !slices.Equal(rec.joins, []domain.ParticipantID{"c"}) {
		t.Fatalf("joins = %v", rec.joins)
	}
	if !slices.Equal(rec.leaves, []domain.ParticipantID{"b"}) {
		t.Fatalf("leaves = %v", rec.leaves)
	}

	tr.Reset()
	if tr.Snapshot().Len() != 0 {
		t.Fatal("reset must clear the snapshot")
	}
}
