// Package room joins a room on a transport and keeps one peer session per remote member,
// routing every inbound signaling message to the session it belongs to.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/envelope"
	"github.com/dkeye/meshroom/internal/eventloop"
	"github.com/dkeye/meshroom/internal/peer"
	"github.com/dkeye/meshroom/internal/presence"
	"github.com/dkeye/meshroom/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrNoTransport  = errors.New("room: transport is required")
	ErrNoConnection = errors.New("room: connection factory is required")
	ErrClosed       = errors.New("room: handle closed")
)

// Events are the notifications a room delivers upward. All of them run on the room's
// event loop and must not block.
type Events struct {
	OnRemoteJoin  func(domain.ParticipantID)
	OnRemoteLeave func(domain.ParticipantID)
	OnRemoteTrack func(domain.ParticipantID, peer.RemoteTrack)
	OnMessage     func(sender domain.ParticipantID, body string)
}

type Options struct {
	// Self is the local identity. A fresh one is generated when empty.
	Self       domain.ParticipantID
	Transport  transport.Transport
	Connect    peer.Factory
	ICEServers []webrtc.ICEServer
	// Codec encodes envelopes on the wire. Defaults to JSON.
	Codec envelope.Codec
	// Tracks are shared by every session of the room.
	Tracks []webrtc.TrackLocal
	Events Events
}

type coordinator struct {
	self   domain.ParticipantID
	room   domain.RoomID
	opts   Options
	codec  envelope.Codec
	sub    transport.Subscription
	loop   *eventloop.Loop
	reg    *Registry
	track  *presence.Tracker
	joined map[domain.ParticipantID]bool
	closed bool
	wg     conc.WaitGroup
	logger zerolog.Logger
}

// Handle is the caller's grip on a joined room.
type Handle struct {
	c         *coordinator
	closeOnce sync.Once
	closeErr  error
}

// Join subscribes to roomID and starts reacting to presence and signaling.
func Join(ctx context.Context, roomID domain.RoomID, opts Options) (*Handle, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Connect == nil {
		return nil, ErrNoConnection
	}
	if opts.Self == "" {
		opts.Self = domain.NewParticipantID()
	}
	codec := opts.Codec
	if codec == nil {
		codec = envelope.JSONCodec{}
	}

	sub, err := opts.Transport.Subscribe(ctx, roomID, opts.Self)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", roomID.Topic(), err)
	}

	c := &coordinator{
		self:   opts.Self,
		room:   roomID,
		opts:   opts,
		codec:  codec,
		sub:    sub,
		loop:   eventloop.New(),
		reg:    NewRegistry(),
		track:  presence.NewTracker(opts.Self),
		joined: make(map[domain.ParticipantID]bool),
		logger: log.With().Str("module", "room").Str("room", string(roomID)).Str("self", string(opts.Self)).Logger(),
	}
	c.track.OnJoin(c.memberJoined)
	c.track.OnLeave(c.memberLeft)

	c.wg.Go(func() { c.loop.Run(context.Background()) })
	c.wg.Go(c.pump)
	c.logger.Info().Msg("joined room")
	return &Handle{c: c}, nil
}

// pump moves transport events onto the loop, preserving their order.
func (c *coordinator) pump() {
	for ev := range c.sub.Events() {
		if !c.loop.Post(func() { c.dispatch(ev) }) {
			return
		}
	}
	c.loop.Post(func() {
		if !c.closed {
			c.logger.Warn().Msg("transport subscription ended")
		}
	})
}

func (c *coordinator) dispatch(ev transport.Event) {
	if c.closed {
		return
	}
	switch ev.Kind {
	case transport.EventPresenceState:
		c.track.Seed(ev.State)
	case transport.EventPresenceDiff:
		c.track.Apply(ev.Diff)
	case transport.EventSignal:
		c.route(ev.Payload)
	case transport.EventText:
		if ev.Sender == c.self {
			return
		}
		if h := c.opts.Events.OnMessage; h != nil {
			h(ev.Sender, string(ev.Payload))
		}
	}
}

// route delivers one inbound envelope to its session. Anything that cannot be decoded or
// is meant for someone else is dropped without touching room state.
func (c *coordinator) route(payload []byte) {
	msg, err := c.codec.Decode(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping inbound message")
		return
	}
	if msg.TargetID != c.self || msg.SenderID == c.self || msg.SenderID == "" {
		c.logger.Trace().Str("target", string(msg.TargetID)).Msg("not for us")
		return
	}
	s, ok := c.reg.Lookup(msg.SenderID)
	if !ok {
		if msg.Type != envelope.KindOffer {
			c.logger.Debug().Str("remote", string(msg.SenderID)).Str("type", string(msg.Type)).Msg("no session for sender")
			return
		}
		if s, _ = c.ensure(msg.SenderID); s == nil {
			return
		}
	}
	s.Handle(msg)
}

// ensure returns the session for id, creating and starting it on first contact.
func (c *coordinator) ensure(id domain.ParticipantID) (*peer.Session, bool) {
	s, created, err := c.reg.Ensure(id, func() (*peer.Session, error) { return c.newSession(id) })
	if err != nil {
		c.logger.Error().Err(err).Str("remote", string(id)).Msg("create session")
		return nil, false
	}
	if created {
		s.Start()
		c.announceJoin(id)
	}
	return s, created
}

func (c *coordinator) newSession(id domain.ParticipantID) (*peer.Session, error) {
	conn, err := c.opts.Connect(c.opts.ICEServers)
	if err != nil {
		return nil, err
	}
	var s *peer.Session
	s = peer.New(peer.Config{
		Local:  c.self,
		Remote: id,
		Conn:   conn,
		Loop:   c.loop,
		Send:   c.send,
		Tracks: c.opts.Tracks,
		OnTrack: func(t peer.RemoteTrack) {
			if h := c.opts.Events.OnRemoteTrack; h != nil {
				h(id, t)
			}
		},
		OnFatal: func(err error) {
			c.logger.Error().Err(err).Str("remote", string(id)).Msg("session failed")
			if cur, ok := c.reg.Lookup(id); ok && cur == s {
				c.remove(id)
			}
		},
	})
	return s, nil
}

// memberJoined offers to a newcomer. Members present before we arrived are only seeded,
// so this runs on the existing side of every pair and the newcomer answers. A session
// that already exists was opened by the newcomer's offer and needs nothing more.
func (c *coordinator) memberJoined(id domain.ParticipantID) {
	if s, created := c.ensure(id); created {
		s.Negotiate()
	}
}

func (c *coordinator) memberLeft(id domain.ParticipantID) {
	c.remove(id)
}

func (c *coordinator) remove(id domain.ParticipantID) {
	s, ok := c.reg.Remove(id)
	if !ok {
		return
	}
	c.wg.Go(s.Wait)
	if c.joined[id] {
		delete(c.joined, id)
		if h := c.opts.Events.OnRemoteLeave; h != nil {
			h(id)
		}
	}
}

func (c *coordinator) announceJoin(id domain.ParticipantID) {
	if c.joined[id] {
		return
	}
	c.joined[id] = true
	if h := c.opts.Events.OnRemoteJoin; h != nil {
		h(id)
	}
}

func (c *coordinator) send(msg envelope.Message) {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode envelope")
		return
	}
	if err := c.sub.Send(payload); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Str("remote", string(msg.TargetID)).Msg("send failed")
	}
}

func (h *Handle) Self() domain.ParticipantID { return h.c.self }
func (h *Handle) Room() domain.RoomID        { return h.c.room }

// SendText broadcasts a chat line to the room.
func (h *Handle) SendText(body string) error {
	return h.c.sub.SendText(body)
}

// Peers reports the negotiation state of every live session.
func (h *Handle) Peers(ctx context.Context) (map[domain.ParticipantID]peer.State, error) {
	out := make(map[domain.ParticipantID]peer.State)
	err := h.c.loop.Do(ctx, func() {
		for _, id := range h.c.reg.IDs() {
			s, _ := h.c.reg.Lookup(id)
			out[id] = s.State()
		}
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return nil, ErrClosed
	}
	return out, err
}

// Members returns the current room membership, excluding the local participant.
func (h *Handle) Members(ctx context.Context) ([]domain.ParticipantID, error) {
	var out []domain.ParticipantID
	err := h.c.loop.Do(ctx, func() { out = h.c.track.Snapshot().Members() })
	if errors.Is(err, eventloop.ErrStopped) {
		return nil, ErrClosed
	}
	return out, err
}

// Close leaves the room. Every session is closed, the subscription is released and the
// membership set is cleared. It waits for all room goroutines and is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		c := h.c
		var closed []*peer.Session
		err := c.loop.Do(context.Background(), func() {
			c.closed = true
			closed = c.reg.ForEachClose()
			c.track.Reset()
			clear(c.joined)
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("room loop already stopped")
		}
		h.closeErr = c.sub.Close()
		c.loop.Stop()
		for _, s := range closed {
			s.Wait()
		}
		c.wg.Wait()
		c.logger.Info().Int("sessions", len(closed)).Msg("left room")
	})
	return h.closeErr
}
