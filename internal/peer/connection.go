package peer

import (
	"github.com/pion/webrtc/v4"
)

// Connection is the native negotiation capability for one remote participant.
// Callbacks may fire on any goroutine; the session re-posts them onto its event loop.
type Connection interface {
	// AddTrack attaches a shared local track. The track is not owned by the connection.
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Rollback discards a pending local offer.
	Rollback() error
	SignalingState() webrtc.SignalingState

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnNegotiationNeeded(func())
	// OnTrack reports inbound media as soon as it is announced, before it is usable.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	// Close releases native resources. Local tracks keep running.
	Close() error
}

// RemoteTrack is inbound media from a remote participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	// Unmuted is closed once media actually flows on the track.
	Unmuted() <-chan struct{}
}

// Factory creates a native connection configured with the given ICE servers.
type Factory func(iceServers []webrtc.ICEServer) (Connection, error)
