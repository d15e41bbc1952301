package rtc

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func newPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	api, err := NewAPI()
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(api, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(api, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func audioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestOfferAnswer(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	a, b := newPair(t)
	if err := a.AddTrack(audioTrack(t)); err != nil {
		t.Fatal(err)
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if got := a.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("offerer state %s", got)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
	if a.SignalingState() != webrtc.SignalingStateStable || b.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("states %s / %s", a.SignalingState(), b.SignalingState())
	}
}

func TestRollbackDiscardsLocalOffer(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	a, b := newPair(t)
	if err := a.AddTrack(audioTrack(t)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddTrack(audioTrack(t)); err != nil {
		t.Fatal(err)
	}

	local, err := b.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetLocalDescription(local); err != nil {
		t.Fatal(err)
	}

	// b yields to a's offer.
	remote, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetLocalDescription(remote); err != nil {
		t.Fatal(err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := b.SignalingState(); got != webrtc.SignalingStateStable {
		t.Fatalf("state after rollback %s", got)
	}
	if err := b.SetRemoteDescription(remote); err != nil {
		t.Fatal(err)
	}
	if got := b.SignalingState(); got != webrtc.SignalingStateHaveRemoteOffer {
		t.Fatalf("state after remote offer %s", got)
	}
}

func TestAnswerWithoutOfferFails(t *testing.T) {
	a, _ := newPair(t)
	if _, err := a.CreateAnswer(); err == nil {
		t.Fatal("answer created without a remote offer")
	}
}

func TestLoggerFactoryLevels(t *testing.T) {
	var buf bytes.Buffer
	f := LoggerFactory{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	l := f.NewLogger("ice")

	l.Debugf("candidate %d", 1)
	l.Infof("gathering %s", "done")
	l.Warn("port in use")

	out := buf.String()
	if strings.Contains(out, "candidate 1") {
		t.Fatal("pion debug leaked at debug level")
	}
	for _, want := range []string{"gathering done", "port in use", `"scope":"ice"`, `"module":"pion"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}
