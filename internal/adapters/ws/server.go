// Package ws carries the room bus over websockets: the server endpoint that attaches
// connections to a bus.Hub and the client-side transport.Subscription.
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
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrRateLimited = errors.New("too many join attempts")

type Settings struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	SendBuffer   int
	JoinRate     int
	JoinInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 64 * 1024
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 54 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	return s
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server attaches websocket connections to a hub.
type Server struct {
	hub *bus.Hub
	cfg Settings
	now func() time.Time

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	tokens map[string]*token
	wg     conc.WaitGroup
}

// token is what the server remembers about one client token while it has open
// connections or joins still inside the window.
type token struct {
	open  int
	joins []time.Time
}

// expire drops joins at or before cutoff. Joins are recorded in time order.
func (t *token) expire(cutoff time.Time) {
	i := 0
	for i < len(t.joins) && !t.joins[i].After(cutoff) {
		i++
	}
	t.joins = t.joins[i:]
}

func NewServer(hub *bus.Hub, cfg Settings) *Server {
	return &Server{
		hub:    hub,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		conns:  make(map[*wsConn]struct{}),
		tokens: make(map[string]*token),
	}
}

// Handle upgrades the request and serves it until the socket or ctx ends. sid is the
// caller's client token.
func (s *Server) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("sid", sid).Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "ws").Str("sid", sid).Str("remote_addr", r.RemoteAddr).Msg("new WS connection")

	conn := newWSConn(ws, s.cfg.SendBuffer)
	s.attach(conn, sid)

	stop := context.AfterFunc(ctx, conn.Close)
	c := &client{
		srv:    s,
		sid:    sid,
		conn:   conn,
		logger: log.With().Str("module", "ws").Str("sid", sid).Logger(),
	}
	s.wg.Go(func() { conn.writePump(sid, s.cfg.PingPeriod) })
	s.wg.Go(func() {
		defer stop()
		c.readPump()
		s.detach(conn, sid)
	})
}

func (s *Server) attach(conn *wsConn, sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
	tk, ok := s.tokens[sid]
	if !ok {
		tk = &token{}
		s.tokens[sid] = tk
	}
	tk.open++
}

// detach forgets a token once its last connection is gone and its join window is empty.
func (s *Server) detach(conn *wsConn, sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	tk, ok := s.tokens[sid]
	if !ok {
		return
	}
	tk.open--
	tk.expire(s.now().Add(-s.cfg.JoinInterval))
	if tk.open <= 0 && len(tk.joins) == 0 {
		delete(s.tokens, sid)
	}
}

// admitJoin records a join attempt for sid and reports whether it fits in the window of
// JoinRate attempts per JoinInterval. A non-positive JoinRate disables the check.
func (s *Server) admitJoin(sid string) bool {
	if s.cfg.JoinRate <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tokens[sid]
	if !ok {
		tk = &token{}
		s.tokens[sid] = tk
	}
	now := s.now()
	tk.expire(now.Add(-s.cfg.JoinInterval))
	if len(tk.joins) >= s.cfg.JoinRate {
		return false
	}
	tk.joins = append(tk.joins, now)
	return true
}

// Close drops every connection and waits for their pumps.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// client is the server's view of one connection: at most one room membership at a time.
type client struct {
	srv    *Server
	sid    string
	conn   *wsConn
	room   domain.RoomID
	member *bus.Member
	logger zerolog.Logger
}

func (c *client) readPump() {
	ws := c.conn.ws
	pongWait := c.srv.cfg.PingPeriod * 10 / 9
	defer func() {
		c.leave()
		c.conn.Close()
		c.logger.Info().Msg("readPump closing")
	}()

	ws.SetReadLimit(c.srv.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *client) handleFrame(data []byte) {
	f, roomID, err := bus.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad frame")
		c.fail("", err)
		return
	}
	switch f.Event {
	case bus.EventJoin:
		c.handleJoin(f, roomID)
	case bus.EventLeave:
		c.leave()
		c.send(bus.EventLeft, roomID, nil)
	case bus.EventPeerMessage, bus.EventTextMessage:
		c.handlePublish(f, roomID)
	default:
		c.logger.Warn().Str("event", string(f.Event)).Msg("unknown event")
		c.fail(roomID, fmt.Errorf("unknown event %q", f.Event))
	}
}

func (c *client) handleJoin(f bus.Frame, roomID domain.RoomID) {
	var p bus.JoinPayload
	if err := f.Decode(&p); err != nil {
		c.fail(roomID, err)
		return
	}
	id, err := domain.ParseParticipantID(string(p.ID))
	if err != nil {
		c.fail(roomID, err)
		return
	}
	if !c.srv.admitJoin(c.sid) {
		c.logger.Warn().Str("room", string(roomID)).Msg("join rate limited")
		c.fail(roomID, ErrRateLimited)
		return
	}
	if c.member != nil {
		c.logger.Info().Str("from_room", string(c.room)).Msg("leaving previous room")
		c.leave()
	}
	m := bus.NewMember(id, c.sid, c.conn)
	if err := c.srv.hub.Join(roomID, m); err != nil {
		c.logger.Warn().Err(err).Str("room", string(roomID)).Msg("join refused")
		c.fail(roomID, err)
		return
	}
	c.room, c.member = roomID, m
	c.logger.Info().Str("room", string(roomID)).Str("member", string(id)).Msg("join")
}

func (c *client) handlePublish(f bus.Frame, roomID domain.RoomID) {
	if c.member == nil || roomID != c.room {
		c.fail(roomID, bus.ErrNotMember)
		return
	}
	var p bus.BodyPayload
	if err := f.Decode(&p); err != nil {
		c.fail(roomID, err)
		return
	}
	if err := c.srv.hub.Publish(roomID, c.member, f.Event, p); err != nil {
		c.fail(roomID, err)
	}
}

func (c *client) leave() {
	if c.member == nil {
		return
	}
	c.srv.hub.Leave(c.room, c.member)
	c.room, c.member = "", nil
}

func (c *client) fail(roomID domain.RoomID, err error) {
	c.send(bus.EventError, roomID, bus.ErrorPayload{Error: err.Error()})
}

func (c *client) send(event bus.Event, roomID domain.RoomID, payload any) {
	b, err := bus.Encode(event, roomID, payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode frame")
		return
	}
	_ = c.conn.TrySend(b)
}
