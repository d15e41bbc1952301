package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/envelope"
	"github.com/dkeye/meshroom/internal/eventloop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrDescriptionRejected  = errors.New("description rejected")
	ErrIceApplicationFailed = errors.New("ice candidate rejected")
	ErrConnectionFatal      = errors.New("connection failed")
)

type Config struct {
	Local  domain.ParticipantID
	Remote domain.ParticipantID
	Conn   Connection
	// Loop is the room's event loop. Every session method must be called on it.
	Loop eventloop.Poster
	// Worker serializes native calls of this session. When nil the session runs its own.
	Worker eventloop.Poster
	// Send pushes an outbound message to the transport.
	Send func(envelope.Message)
	// Tracks are the room's shared local tracks.
	Tracks []webrtc.TrackLocal
	// OnTrack fires once a remote track is usable.
	OnTrack func(RemoteTrack)
	// OnFatal fires once when the native connection fails for good.
	OnFatal func(error)
}

// Session drives one remote participant from first contact to stable media.
type Session struct {
	local   domain.ParticipantID
	remote  domain.ParticipantID
	conn    Connection
	loop    eventloop.Poster
	worker  eventloop.Poster
	own     *eventloop.Loop
	send    func(envelope.Message)
	tracks  []webrtc.TrackLocal
	onTrack func(RemoteTrack)
	onFatal func(error)

	machine *Machine
	done    chan struct{}
	wg      conc.WaitGroup
	logger  zerolog.Logger
}

func New(cfg Config) *Session {
	s := &Session{
		local:   cfg.Local,
		remote:  cfg.Remote,
		conn:    cfg.Conn,
		loop:    cfg.Loop,
		worker:  cfg.Worker,
		send:    cfg.Send,
		tracks:  cfg.Tracks,
		onTrack: cfg.OnTrack,
		onFatal: cfg.OnFatal,
		machine: NewMachine(RoleFor(cfg.Local, cfg.Remote)),
		done:    make(chan struct{}),
		logger: log.With().
			Str("module", "peer").
			Str("local", string(cfg.Local)).
			Str("remote", string(cfg.Remote)).
			Logger(),
	}
	if s.worker == nil {
		s.own = eventloop.New()
		s.worker = s.own
		s.wg.Go(func() { s.own.Run(context.Background()) })
	}
	s.bindConnection()
	return s
}

func (s *Session) Remote() domain.ParticipantID { return s.remote }
func (s *Session) Role() Role                   { return s.machine.Role() }
func (s *Session) State() State                 { return s.machine.State() }
func (s *Session) Closed() bool                 { return s.machine.State() == StateClosed }

func (s *Session) bindConnection() {
	s.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.loop.Post(func() { s.sendCandidate(c) })
	})
	s.conn.OnNegotiationNeeded(func() {
		s.loop.Post(s.Negotiate)
	})
	s.conn.OnTrack(func(t RemoteTrack) {
		s.loop.Post(func() { s.watchTrack(t) })
	})
	s.conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.loop.Post(func() { s.connectionState(st) })
	})
}

// Start attaches the shared local tracks.
func (s *Session) Start() {
	s.work(func() {
		for _, t := range s.tracks {
			if err := s.conn.AddTrack(t); err != nil {
				s.logger.Warn().Err(err).Str("track_id", t.ID()).Msg("attach local track")
			}
		}
	})
}

// Negotiate starts an offer unless a negotiation is already in flight.
func (s *Session) Negotiate() {
	attempt, ok := s.machine.BeginOffer()
	if !ok {
		s.logger.Debug().Str("state", s.machine.State().String()).Msg("negotiation already in progress")
		return
	}
	s.work(func() {
		offer, err := s.conn.CreateOffer()
		if err == nil {
			err = s.conn.SetLocalDescription(offer)
		}
		s.loop.Post(func() {
			if err != nil {
				s.machine.Abort(attempt)
				s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("create offer")
				return
			}
			if !s.machine.OfferCreated(attempt) {
				s.logger.Debug().Msg("discarding stale local offer")
				return
			}
			s.sendDescription(envelope.KindOffer, offer)
		})
	})
}

// Handle advances the session with a message already known to be addressed to it.
func (s *Session) Handle(msg envelope.Message) {
	if !msg.AddressedTo(s.local, s.remote) {
		return
	}
	switch msg.Type {
	case envelope.KindOffer:
		s.handleOffer(msg)
	case envelope.KindAnswer:
		s.handleAnswer(msg)
	case envelope.KindCandidate:
		s.handleCandidate(msg)
	}
}

func (s *Session) handleOffer(msg envelope.Message) {
	sd, err := msg.Description()
	if err != nil {
		s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("bad offer")
		return
	}
	d := s.machine.ReceiveOffer()
	if !d.Accept {
		if d.Glare {
			s.logger.Info().Str("role", s.Role().String()).Msg("glare: keeping local offer")
		}
		return
	}
	if d.Glare {
		s.logger.Info().Str("role", s.Role().String()).Msg("glare: yielding to remote offer")
	}
	s.work(func() {
		var err error
		if s.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			err = s.conn.Rollback()
		}
		if err == nil {
			err = s.conn.SetRemoteDescription(sd)
		}
		s.loop.Post(func() { s.remoteOfferApplied(d.Attempt, err) })
	})
}

func (s *Session) remoteOfferApplied(attempt uint64, err error) {
	if err != nil {
		if s.machine.Abort(attempt) {
			s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("apply remote offer")
		}
		return
	}
	queued, ok := s.machine.RemoteOfferApplied(attempt)
	if !ok {
		return
	}
	s.work(func() {
		s.applyCandidates(queued)
		answer, err := s.conn.CreateAnswer()
		if err == nil {
			err = s.conn.SetLocalDescription(answer)
		}
		s.loop.Post(func() {
			if err != nil {
				if s.machine.Abort(attempt) {
					s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("create answer")
				}
				return
			}
			if !s.machine.AnswerCreated(attempt) {
				s.logger.Debug().Msg("discarding stale answer")
				return
			}
			s.sendDescription(envelope.KindAnswer, answer)
		})
	})
}

func (s *Session) handleAnswer(msg envelope.Message) {
	sd, err := msg.Description()
	if err != nil {
		s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("bad answer")
		return
	}
	attempt, ok := s.machine.ReceiveAnswer()
	if !ok {
		s.logger.Debug().Str("state", s.machine.State().String()).Msg("ignoring unexpected answer")
		return
	}
	s.work(func() {
		err := s.conn.SetRemoteDescription(sd)
		s.loop.Post(func() {
			if err != nil {
				if s.machine.Abort(attempt) {
					s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDescriptionRejected, err)).Msg("apply answer")
				}
				return
			}
			queued, ok := s.machine.AnswerApplied(attempt)
			if !ok || len(queued) == 0 {
				return
			}
			s.work(func() { s.applyCandidates(queued) })
		})
	})
}

func (s *Session) handleCandidate(msg envelope.Message) {
	c, err := msg.Candidate()
	if err != nil {
		s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrIceApplicationFailed, err)).Msg("bad candidate")
		return
	}
	if s.machine.AddCandidate(c) {
		s.work(func() { s.applyCandidates([]webrtc.ICECandidateInit{c}) })
	}
}

// applyCandidates runs on the worker. Failures never hurt the session.
func (s *Session) applyCandidates(cs []webrtc.ICECandidateInit) {
	for _, c := range cs {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(fmt.Errorf("%w: %v", ErrIceApplicationFailed, err)).Str("candidate", c.Candidate).Msg("add ice candidate")
		}
	}
}

func (s *Session) sendDescription(kind envelope.Kind, sd webrtc.SessionDescription) {
	var (
		msg envelope.Message
		err error
	)
	if kind == envelope.KindOffer {
		msg, err = envelope.NewOffer(s.local, s.remote, sd)
	} else {
		msg, err = envelope.NewAnswer(s.local, s.remote, sd)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("encode description")
		return
	}
	s.logger.Debug().Str("type", string(kind)).Msg("sending description")
	s.send(msg)
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if s.Closed() {
		return
	}
	msg, err := envelope.NewCandidate(s.local, s.remote, c)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode candidate")
		return
	}
	s.send(msg)
}

// watchTrack holds a track back until it is unmuted. It runs on the loop, so no watcher
// starts once Close has run.
func (s *Session) watchTrack(t RemoteTrack) {
	if s.Closed() {
		return
	}
	s.wg.Go(func() {
		select {
		case <-t.Unmuted():
		case <-s.done:
			return
		}
		s.loop.Post(func() {
			if s.Closed() {
				return
			}
			s.logger.Info().
				Str("track_id", t.ID()).
				Str("stream_id", t.StreamID()).
				Str("kind", t.Kind().String()).
				Msg("remote track usable")
			if s.onTrack != nil {
				s.onTrack(t)
			}
		})
	})
}

func (s *Session) connectionState(st webrtc.PeerConnectionState) {
	s.logger.Info().Str("peer_connection_state", st.String()).Msg("peer state")
	if st != webrtc.PeerConnectionStateFailed || s.Closed() {
		return
	}
	s.Close()
	if s.onFatal != nil {
		s.onFatal(ErrConnectionFatal)
	}
}

// Close is terminal and idempotent. In-flight native steps finish and their results
// are discarded.
func (s *Session) Close() {
	if !s.machine.Close() {
		return
	}
	close(s.done)
	s.wg.Go(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close error")
		} else {
			s.logger.Info().Msg("closed")
		}
	})
	if s.own != nil {
		s.own.Stop()
	}
}

// Wait blocks until every goroutine owned by the session has exited. Call it off the loop.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) work(fn func()) {
	if s.Closed() {
		return
	}
	s.worker.Post(fn)
}
