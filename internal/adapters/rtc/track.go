package rtc

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack wraps a pion remote track. It counts as unmuted once the first RTP packet
// arrives; that packet is kept and handed to the first ReadRTP call.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	unmuted chan struct{}
	ended   chan struct{}

	mu    sync.Mutex
	first *rtp.Packet
	err   error
}

func newRemoteTrack(t *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{
		track:   t,
		unmuted: make(chan struct{}),
		ended:   make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string                { return t.track.ID() }
func (t *RemoteTrack) StreamID() string          { return t.track.StreamID() }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *RemoteTrack) Unmuted() <-chan struct{}  { return t.unmuted }

// Codec reports the negotiated codec of the track.
func (t *RemoteTrack) Codec() webrtc.RTPCodecParameters { return t.track.Codec() }

func (t *RemoteTrack) awaitFirstPacket() {
	pkt, _, err := t.track.ReadRTP()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.err = err
		close(t.ended)
		return
	}
	t.first = pkt
	close(t.unmuted)
}

// ReadRTP blocks until the track is usable, then returns packets in order.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-t.unmuted:
	case <-t.ended:
		return nil, t.err
	}
	t.mu.Lock()
	if pkt := t.first; pkt != nil {
		t.first = nil
		t.mu.Unlock()
		return pkt, nil
	}
	t.mu.Unlock()
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
