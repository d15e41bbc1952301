package bus

import (
	"context"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/transport"
	"github.com/rs/zerolog/log"
)

const defaultSendBuffer = 64

// Local subscribes to a Hub in the same process. Frames take the same encoded path as
// over a websocket.
type Local struct {
	hub    *Hub
	buffer int
}

func NewLocal(h *Hub, buffer int) *Local {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Local{hub: h, buffer: buffer}
}

func (l *Local) Subscribe(ctx context.Context, roomID domain.RoomID, self domain.ParticipantID) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &localSub{
		hub:    l.hub,
		room:   roomID,
		events: make(chan transport.Event, l.buffer),
	}
	s.member = NewMember(self, "local:"+string(self), localConn{s})
	if err := l.hub.Join(roomID, s.member); err != nil {
		return nil, err
	}
	return s, nil
}

type localSub struct {
	hub    *Hub
	room   domain.RoomID
	member *Member

	mu     sync.RWMutex
	closed bool
	events chan transport.Event
}

func (s *localSub) Events() <-chan transport.Event { return s.events }

func (s *localSub) Send(payload []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.hub.Publish(s.room, s.member, EventPeerMessage, NewBody(payload))
}

func (s *localSub) SendText(body string) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.hub.Publish(s.room, s.member, EventTextMessage, BodyPayload{Body: body})
}

func (s *localSub) Close() error {
	s.hub.Leave(s.room, s.member)
	s.shutdown()
	return nil
}

func (s *localSub) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *localSub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *localSub) deliver(frame []byte) error {
	ev, ok, err := feedEvent(frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "bus.local").Msg("dropping undecodable frame")
		return nil
	}
	if !ok {
		return nil
	}
	return s.push(ev)
}

func (s *localSub) push(ev transport.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return transport.ErrClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// localConn is the hub-facing side of a local subscription.
type localConn struct{ s *localSub }

func (c localConn) TrySend(frame []byte) error { return c.s.deliver(frame) }

func (c localConn) Close() {
	log.Debug().Str("module", "bus.local").Str("member", string(c.s.member.ID)).Msg("evicted by hub")
	c.s.shutdown()
}
