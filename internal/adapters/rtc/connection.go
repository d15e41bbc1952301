// Package rtc implements peer.Connection on top of a pion PeerConnection.
package rtc

import (
	"fmt"

	"github.com/dkeye/meshroom/internal/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// NewAPI builds a pion API with the default codecs and logging routed to zerolog.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: log.Logger},
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

// NewFactory returns a peer.Factory producing pion-backed connections.
func NewFactory(api *webrtc.API) peer.Factory {
	return func(iceServers []webrtc.ICEServer) (peer.Connection, error) {
		return New(api, iceServers)
	}
}

type Connection struct {
	pc     *webrtc.PeerConnection
	wg     conc.WaitGroup
	logger zerolog.Logger
}

var _ peer.Connection = (*Connection)(nil)

func New(api *webrtc.API, iceServers []webrtc.ICEServer) (*Connection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, logger: log.With().Str("module", "webrtc").Logger()}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

// AddTrack attaches a local track and drains its RTCP feedback.
func (c *Connection) AddTrack(t webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return err
	}
	c.wg.Go(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// Rollback discards a pending local offer.
func (c *Connection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.pc.OnNegotiationNeeded(fn)
}

// OnTrack reports remote tracks as soon as they are signaled; each one is read until its
// first packet so Unmuted can fire.
func (c *Connection) OnTrack(fn func(peer.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := newRemoteTrack(track)
		c.wg.Go(rt.awaitFirstPacket)
		fn(rt)
	})
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

// Close stops the native connection and waits for its readers.
func (c *Connection) Close() error {
	err := c.pc.Close()
	c.wg.Wait()
	return err
}
