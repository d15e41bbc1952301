// Package peertest provides an in-memory peer.Connection that follows the WebRTC
// signaling-state rules without any media or network.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/peer"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidState = errors.New("invalid signaling state")
	ErrNoRemote     = errors.New("no remote description")
	ErrRejected     = errors.New("description rejected by test")
	ErrBadCandidate = errors.New("bad candidate")
)

// BadCandidate is a candidate value AddICECandidate always rejects.
const BadCandidate = "bad"

// Conn is a fake native connection. Offers and answers carry SDP of the form
// "offer:<name>:<n>" and "answer:<name>:<n>" so tests can tell whose description won.
type Conn struct {
	mu sync.Mutex

	name   string
	seq    int
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	remoteHistory []string
	candidates    []string
	tracks        []string
	closed        bool
	rejectRemote  bool

	onICE   func(webrtc.ICECandidateInit)
	onNeg   func()
	onTrack func(peer.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func NewConn(name string) *Conn {
	return &Conn{name: name, state: webrtc.SignalingStateStable}
}

// Factory hands out fresh fake connections and remembers them.
type Factory struct {
	mu    sync.Mutex
	Name  string
	Conns []*Conn
}

func (f *Factory) New(_ []webrtc.ICEServer) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := NewConn(f.Name)
	f.Conns = append(f.Conns, c)
	return c, nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Conns)
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrInvalidState
	}
	c.tracks = append(c.tracks, t.ID())
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer:%s:%d", c.name, c.seq)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	c.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer:%s:%d", c.name, c.seq)}, nil
}

func (c *Conn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case sd.Type == webrtc.SDPTypeOffer &&
		(c.state == webrtc.SignalingStateStable || c.state == webrtc.SignalingStateHaveLocalOffer):
		c.state = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return ErrInvalidState
	}
	c.local = &sd
	return nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectRemote {
		return ErrRejected
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer &&
		(c.state == webrtc.SignalingStateStable || c.state == webrtc.SignalingStateHaveRemoteOffer):
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return ErrInvalidState
	}
	c.remote = &sd
	c.remoteHistory = append(c.remoteHistory, sd.SDP)
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrNoRemote
	}
	if ci.Candidate == BadCandidate {
		return ErrBadCandidate
	}
	c.candidates = append(c.candidates, ci.Candidate)
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveLocalOffer {
		return ErrInvalidState
	}
	c.state = webrtc.SignalingStateStable
	c.local = nil
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *Conn) OnNegotiationNeeded(fn func())                  { c.onNeg = fn }
func (c *Conn) OnTrack(fn func(peer.RemoteTrack))              { c.onTrack = fn }
func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.onState = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	return nil
}

// Test controls.

func (c *Conn) RejectRemote(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectRemote = v
}

func (c *Conn) FireICECandidate(candidate string) { c.onICE(webrtc.ICECandidateInit{Candidate: candidate}) }
func (c *Conn) FireNegotiationNeeded()            { c.onNeg() }
func (c *Conn) FireTrack(t peer.RemoteTrack)      { c.onTrack(t) }
func (c *Conn) FireState(s webrtc.PeerConnectionState) {
	c.onState(s)
}

func (c *Conn) Remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ""
	}
	return c.remote.SDP
}

func (c *Conn) Local() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ""
	}
	return c.local.SDP
}

func (c *Conn) RemoteHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.remoteHistory...)
}

func (c *Conn) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.candidates...)
}

func (c *Conn) Tracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tracks...)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) State() webrtc.SignalingState { return c.SignalingState() }

// Track is a fake remote track that becomes usable when Unmute is called.
type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	unmuted chan struct{}
	once    sync.Once
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, unmuted: make(chan struct{})}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) StreamID() string          { return "stream-" + t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Unmuted() <-chan struct{}  { return t.unmuted }
func (t *Track) Unmute()                   { t.once.Do(func() { close(t.unmuted) }) }
