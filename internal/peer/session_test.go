package peer_test

import (
	"slices"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/envelope"
	"github.com/dkeye/meshroom/internal/eventloop"
	"github.com/dkeye/meshroom/internal/peer"
	"github.com/dkeye/meshroom/internal/peer/peertest"
	"github.com/pion/webrtc/v4"
)

// pair wires two sessions back to back over one manually drained queue.
type pair struct {
	q      *eventloop.Queue
	a, b   *peer.Session
	ca, cb *peertest.Conn
	sentA  []envelope.Message
	sentB  []envelope.Message
}

func newPair(t *testing.T, a, b domain.ParticipantID) *pair {
	t.Helper()
	p := &pair{q: &eventloop.Queue{}, ca: peertest.NewConn(string(a)), cb: peertest.NewConn(string(b))}
	p.a = peer.New(peer.Config{
		Local: a, Remote: b, Conn: p.ca, Loop: p.q, Worker: p.q,
		Send: func(m envelope.Message) {
			p.sentA = append(p.sentA, m)
			p.q.Post(func() { p.b.Handle(m) })
		},
	})
	p.b = peer.New(peer.Config{
		Local: b, Remote: a, Conn: p.cb, Loop: p.q, Worker: p.q,
		Send: func(m envelope.Message) {
			p.sentB = append(p.sentB, m)
			p.q.Post(func() { p.a.Handle(m) })
		},
	})
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
		p.a.Wait()
		p.b.Wait()
	})
	return p
}

func kinds(ms []envelope.Message) []envelope.Kind {
	out := make([]envelope.Kind, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Type)
	}
	return out
}

func TestSessionOfferAnswer(t *testing.T) {
	p := newPair(t, "A", "B")

	p.a.Negotiate()
	p.q.Drain()

	if p.a.State() != peer.StateStable || p.b.State() != peer.StateStable {
		t.Fatalf("states = %s/%s, want stable/stable", p.a.State(), p.b.State())
	}
	if !slices.Equal(kinds(p.sentA), []envelope.Kind{envelope.KindOffer}) {
		t.Fatalf("A sent %v", kinds(p.sentA))
	}
	if !slices.Equal(kinds(p.sentB), []envelope.Kind{envelope.KindAnswer}) {
		t.Fatalf("B sent %v", kinds(p.sentB))
	}
	if p.sentA[0].SenderID != "A" || p.sentA[0].TargetID != "B" {
		t.Fatalf("offer addressed %s -> %s", p.sentA[0].SenderID, p.sentA[0].TargetID)
	}
	if p.cb.Remote() != "offer:A:1" || p.ca.Remote() != p.cb.Local() {
		t.Fatalf("descriptions: A remote %q, B local %q, B remote %q", p.ca.Remote(), p.cb.Local(), p.cb.Remote())
	}
}

func TestSessionGlarePoliteYields(t *testing.T) {
	p := newPair(t, "A", "B")
	if p.a.Role() != peer.Impolite || p.b.Role() != peer.Polite {
		t.Fatalf("roles = %s/%s", p.a.Role(), p.b.Role())
	}

	p.a.Negotiate()
	p.b.Negotiate()
	p.q.Drain()

	if p.a.State() != peer.StateStable || p.b.State() != peer.StateStable {
		t.Fatalf("states = %s/%s, want stable/stable", p.a.State(), p.b.State())
	}
	if got := p.cb.RemoteHistory(); !slices.Equal(got, []string{"offer:A:1"}) {
		t.Fatalf("polite side applied %v, want only the impolite offer", got)
	}
	if p.cb.State() != webrtc.SignalingStateStable || p.ca.State() != webrtc.SignalingStateStable {
		t.Fatalf("native states = %s/%s", p.ca.State(), p.cb.State())
	}
	for _, sdp := range p.ca.RemoteHistory() {
		if sdp == "offer:B:1" {
			t.Fatal("impolite side must never apply the polite offer")
		}
	}
}

func TestSessionQueuesEarlyCandidates(t *testing.T) {
	q := &eventloop.Queue{}
	conn := peertest.NewConn("B")
	s := peer.New(peer.Config{Local: "B", Remote: "A", Conn: conn, Loop: q, Worker: q, Send: func(envelope.Message) {}})
	defer func() { s.Close(); s.Wait() }()

	for _, c := range []string{"c1", "c2"} {
		msg, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: c})
		s.Handle(msg)
	}
	q.Drain()
	if len(conn.Candidates()) != 0 {
		t.Fatalf("candidates applied before remote description: %v", conn.Candidates())
	}

	offer, _ := envelope.NewOffer("A", "B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:A:1"})
	s.Handle(offer)
	late, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: "c3"})
	s.Handle(late)
	q.Drain()

	if got := conn.Candidates(); !slices.Equal(got, []string{"c1", "c2", "c3"}) {
		t.Fatalf("candidates = %v, want [c1 c2 c3]", got)
	}
	if s.State() != peer.StateStable {
		t.Fatalf("state = %s", s.State())
	}
}

func TestSessionBadCandidateIsNotFatal(t *testing.T) {
	p := newPair(t, "A", "B")
	p.a.Negotiate()
	p.q.Drain()

	bad, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: peertest.BadCandidate})
	p.b.Handle(bad)
	good, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: "good"})
	p.b.Handle(good)
	p.q.Drain()

	if p.b.State() != peer.StateStable {
		t.Fatalf("state = %s", p.b.State())
	}
	if got := p.cb.Candidates(); !slices.Equal(got, []string{"good"}) {
		t.Fatalf("candidates = %v", got)
	}
}

func TestSessionRejectedDescriptionAbortsOnlyThatAttempt(t *testing.T) {
	p := newPair(t, "A", "B")
	p.cb.RejectRemote(true)

	p.a.Negotiate()
	p.q.Drain()
	if p.b.State() != peer.StateIdle || p.b.Closed() {
		t.Fatalf("B state = %s, want idle", p.b.State())
	}
	if p.a.State() != peer.StateHaveLocalOffer {
		t.Fatalf("A state = %s", p.a.State())
	}

	// A later offer cycle on the same session still succeeds.
	p.cb.RejectRemote(false)
	offer, _ := envelope.NewOffer("A", "B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:A:retry"})
	p.b.Handle(offer)
	p.q.Drain()
	if p.b.State() != peer.StateStable || p.a.State() != peer.StateStable {
		t.Fatalf("states = %s/%s", p.a.State(), p.b.State())
	}
}

func TestSessionRejectedOfferDropsItsCandidates(t *testing.T) {
	q := &eventloop.Queue{}
	conn := peertest.NewConn("B")
	s := peer.New(peer.Config{Local: "B", Remote: "A", Conn: conn, Loop: q, Worker: q, Send: func(envelope.Message) {}})
	defer func() { s.Close(); s.Wait() }()

	conn.RejectRemote(true)
	bad, _ := envelope.NewOffer("A", "B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:A:1"})
	s.Handle(bad)
	stale, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: "stale"})
	s.Handle(stale)
	q.Drain()
	if s.State() != peer.StateIdle {
		t.Fatalf("state = %s", s.State())
	}

	conn.RejectRemote(false)
	good, _ := envelope.NewOffer("A", "B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:A:2"})
	s.Handle(good)
	fresh, _ := envelope.NewCandidate("A", "B", webrtc.ICECandidateInit{Candidate: "fresh"})
	s.Handle(fresh)
	q.Drain()

	if got := conn.Candidates(); !slices.Equal(got, []string{"fresh"}) {
		t.Fatalf("candidates = %v, want only the one for the applied offer", got)
	}
}

func TestSessionIgnoresMisaddressed(t *testing.T) {
	p := newPair(t, "A", "B")
	offer, _ := envelope.NewOffer("C", "B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:C:1"})
	p.b.Handle(offer)
	p.q.Drain()
	if p.b.State() != peer.StateIdle || len(p.cb.RemoteHistory()) != 0 {
		t.Fatalf("misaddressed offer changed the session: %s %v", p.b.State(), p.cb.RemoteHistory())
	}
}

func TestSessionCloseDiscardsInFlightOffer(t *testing.T) {
	p := newPair(t, "A", "B")
	p.a.Negotiate()
	p.a.Close()
	p.q.Drain()

	if len(p.sentA) != 0 {
		t.Fatalf("closed session sent %v", kinds(p.sentA))
	}
	p.a.Wait()
	if !p.ca.Closed() {
		t.Fatal("native connection not released")
	}
}

func TestSessionLocalCandidatesAndNegotiationNeeded(t *testing.T) {
	p := newPair(t, "A", "B")
	p.ca.FireNegotiationNeeded()
	p.q.Drain()
	if p.a.State() != peer.StateStable {
		t.Fatalf("state = %s", p.a.State())
	}

	p.ca.FireICECandidate("host-a")
	p.q.Drain()
	if got := p.cb.Candidates(); !slices.Equal(got, []string{"host-a"}) {
		t.Fatalf("B candidates = %v", got)
	}
}

func TestSessionAttachesSharedTracks(t *testing.T) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		t.Fatal(err)
	}
	q := &eventloop.Queue{}
	c1, c2 := peertest.NewConn("A"), peertest.NewConn("A")
	s1 := peer.New(peer.Config{Local: "A", Remote: "B", Conn: c1, Loop: q, Worker: q, Tracks: []webrtc.TrackLocal{track}, Send: func(envelope.Message) {}})
	s2 := peer.New(peer.Config{Local: "A", Remote: "C", Conn: c2, Loop: q, Worker: q, Tracks: []webrtc.TrackLocal{track}, Send: func(envelope.Message) {}})
	s1.Start()
	s2.Start()
	q.Drain()

	if !slices.Equal(c1.Tracks(), []string{"audio"}) || !slices.Equal(c2.Tracks(), []string{"audio"}) {
		t.Fatalf("tracks = %v / %v", c1.Tracks(), c2.Tracks())
	}
	s1.Close()
	s1.Wait()
	if err := c2.AddTrack(track); err != nil {
		t.Fatalf("closing one session affected another: %v", err)
	}
	s2.Close()
	s2.Wait()
}

func TestSessionTrackReportedOnlyWhenUsable(t *testing.T) {
	q := &eventloop.Queue{}
	conn := peertest.NewConn("B")
	var got []peer.RemoteTrack
	s := peer.New(peer.Config{
		Local: "B", Remote: "A", Conn: conn, Loop: q, Worker: q,
		Send:    func(envelope.Message) {},
		OnTrack: func(rt peer.RemoteTrack) { got = append(got, rt) },
	})
	defer func() { s.Close(); s.Wait() }()

	track := peertest.NewTrack("video", webrtc.RTPCodecTypeVideo)
	conn.FireTrack(track)
	time.Sleep(10 * time.Millisecond)
	q.Drain()
	if len(got) != 0 {
		t.Fatal("track reported before it was unmuted")
	}

	track.Unmute()
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		q.Drain()
	}
	if len(got) != 1 || got[0].ID() != "video" {
		t.Fatalf("reported tracks = %v", got)
	}
}

func TestSessionIgnoresTrackAfterClose(t *testing.T) {
	q := &eventloop.Queue{}
	conn := peertest.NewConn("B")
	reported := 0
	s := peer.New(peer.Config{
		Local: "B", Remote: "A", Conn: conn, Loop: q, Worker: q,
		Send:    func(envelope.Message) {},
		OnTrack: func(peer.RemoteTrack) { reported++ },
	})

	track := peertest.NewTrack("late", webrtc.RTPCodecTypeAudio)
	conn.FireTrack(track)
	s.Close()
	track.Unmute()
	q.Drain()
	s.Wait()
	q.Drain()

	if reported != 0 {
		t.Fatalf("closed session reported %d tracks", reported)
	}
}

func TestSessionFatalConnection(t *testing.T) {
	q := &eventloop.Queue{}
	conn := peertest.NewConn("B")
	fatal := 0
	s := peer.New(peer.Config{
		Local: "B", Remote: "A", Conn: conn, Loop: q, Worker: q,
		Send:    func(envelope.Message) {},
		OnFatal: func(error) { fatal++ },
	})

	conn.FireState(webrtc.PeerConnectionStateConnected)
	conn.FireState(webrtc.PeerConnectionStateFailed)
	conn.FireState(webrtc.PeerConnectionStateFailed)
	q.Drain()
	s.Wait()

	if fatal != 1 {
		t.Fatalf("OnFatal fired %d times, want 1", fatal)
	}
	if !s.Closed() || !conn.Closed() {
		t.Fatal("failed connection must close the session and release the native connection")
	}
}
