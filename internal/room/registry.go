package room

import (
	"slices"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/peer"
	"github.com/rs/zerolog/log"
)

// Registry owns the peer sessions of one room, at most one per remote identity.
// It is confined to the room's event loop and takes no locks.
type Registry struct {
	sessions map[domain.ParticipantID]*peer.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.ParticipantID]*peer.Session)}
}

// Ensure returns the session for id, creating it when absent.
func (r *Registry) Ensure(id domain.ParticipantID, create func() (*peer.Session, error)) (*peer.Session, bool, error) {
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}
	s, err := create()
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s
	log.Info().Str("module", "room.registry").Str("remote", string(id)).Int("sessions", len(r.sessions)).Msg("session created")
	return s, true, nil
}

func (r *Registry) Lookup(id domain.ParticipantID) (*peer.Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and discards the session for id. It reports false if there was none.
func (r *Registry) Remove(id domain.ParticipantID) (*peer.Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	s.Close()
	log.Info().Str("module", "room.registry").Str("remote", string(id)).Int("sessions", len(r.sessions)).Msg("session removed")
	return s, true
}

// ForEachClose closes every session and empties the registry. The closed sessions are
// returned so the caller can wait for them off the loop.
func (r *Registry) ForEachClose() []*peer.Session {
	out := make([]*peer.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.Close()
		out = append(out, s)
		delete(r.sessions, id)
	}
	log.Info().Str("module", "room.registry").Int("closed", len(out)).Msg("all sessions closed")
	return out
}

func (r *Registry) Len() int { return len(r.sessions) }

// IDs returns the remote identities in lexical order.
func (r *Registry) IDs() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
