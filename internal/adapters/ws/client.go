package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/bus"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrJoinRejected = errors.New("join rejected")

const (
	defaultPingPeriod  = 54 * time.Second
	defaultJoinTimeout = 10 * time.Second
	maxMessageSize     = 64 * 1024
)

// Dialer is a transport.Transport that reaches the bus over a websocket, one connection
// per subscription.
type Dialer struct {
	URL         string
	Header      http.Header
	SendBuffer  int
	PingPeriod  time.Duration
	JoinTimeout time.Duration
}

func NewDialer(url string) *Dialer {
	return &Dialer{URL: url}
}

func (d *Dialer) Subscribe(ctx context.Context, roomID domain.RoomID, self domain.ParticipantID) (transport.Subscription, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	if err := d.join(ctx, ws, roomID, self); err != nil {
		_ = ws.Close()
		return nil, err
	}

	buffer := d.SendBuffer
	if buffer <= 0 {
		buffer = 64
	}
	ping := d.PingPeriod
	if ping <= 0 {
		ping = defaultPingPeriod
	}
	s := &clientSub{
		ws:       ws,
		room:     roomID,
		outgoing: make(chan []byte, buffer),
		events:   make(chan transport.Event, buffer),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
		ping:     ping,
		logger:   log.With().Str("module", "ws.client").Str("room", string(roomID)).Str("self", string(self)).Logger(),
	}
	s.wg.Go(s.readPump)
	s.wg.Go(s.writePump)
	return s, nil
}

// join sends the join frame and waits for the server's verdict.
func (d *Dialer) join(ctx context.Context, ws *websocket.Conn, roomID domain.RoomID, self domain.ParticipantID) error {
	frame, err := bus.Encode(bus.EventJoin, roomID, bus.JoinPayload{ID: self})
	if err != nil {
		return err
	}
	timeout := d.JoinTimeout
	if timeout <= 0 {
		timeout = defaultJoinTimeout
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join: %w", err)
		}
		f, _, err := bus.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "ws.client").Msg("ignoring frame before join")
			continue
		}
		switch f.Event {
		case bus.EventJoined:
			_ = ws.SetReadDeadline(time.Time{})
			_ = ws.SetWriteDeadline(time.Time{})
			return nil
		case bus.EventError:
			var p bus.ErrorPayload
			_ = f.Decode(&p)
			return fmt.Errorf("%w: %s", ErrJoinRejected, p.Error)
		}
	}
}

type clientSub struct {
	ws       *websocket.Conn
	room     domain.RoomID
	outgoing chan []byte
	events   chan transport.Event
	done     chan struct{}
	lost     chan struct{}
	ping     time.Duration
	wg       conc.WaitGroup
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func (s *clientSub) Events() <-chan transport.Event { return s.events }

func (s *clientSub) Send(payload []byte) error {
	return s.enqueue(bus.EventPeerMessage, bus.NewBody(payload))
}

func (s *clientSub) SendText(body string) error {
	return s.enqueue(bus.EventTextMessage, bus.BodyPayload{Body: body})
}

func (s *clientSub) enqueue(event bus.Event, body bus.BodyPayload) error {
	frame, err := bus.Encode(event, s.room, body)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return transport.ErrClosed
	}
	select {
	case s.outgoing <- frame:
		return nil
	default:
		return bus.ErrBackpressure
	}
}

// Close leaves the room, closes the socket and waits for both pumps.
func (s *clientSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *clientSub) readPump() {
	pongWait := s.ping * 10 / 9
	defer func() {
		close(s.events)
		close(s.lost)
		_ = s.ws.Close()
	}()

	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		f, _, err := bus.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if f.Event == bus.EventError {
			var p bus.ErrorPayload
			_ = f.Decode(&p)
			s.logger.Warn().Str("error", p.Error).Msg("server error")
			continue
		}
		ev, ok, err := bus.ClientEvent(f)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping bad frame")
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *clientSub) writePump() {
	ticker := time.NewTicker(s.ping)
	defer func() {
		ticker.Stop()
		// Unblocks readPump.
		_ = s.ws.Close()
	}()
	for {
		select {
		case frame := <-s.outgoing:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			s.goodbye()
			return
		case <-s.lost:
			return
		}
	}
}

func (s *clientSub) goodbye() {
	if leave, err := bus.Encode(bus.EventLeave, s.room, nil); err == nil {
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.ws.WriteMessage(websocket.TextMessage, leave)
	}
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
