package envelope

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

func TestJSONDecodeBrowserPayload(t *testing.T) {
	raw := []byte(`{"type":"video-offer","content":{"type":"offer","sdp":"v=0\r\n"},"senderId":"a","targetId":"b"}`)

	msg, err := JSONCodec{}.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != KindOffer || msg.SenderID != "a" || msg.TargetID != "b" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	sd, err := msg.Description()
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if sd.Type != webrtc.SDPTypeOffer || sd.SDP != "v=0\r\n" {
		t.Fatalf("unexpected description: %+v", sd)
	}
	if !msg.AddressedTo("b", "a") {
		t.Fatal("expected message addressed from a to b")
	}
	if msg.AddressedTo("a", "b") {
		t.Fatal("reversed addressing must not match")
	}
}

func TestJSONDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"array":           `[1,2,3]`,
		"missing type":    `{"content":{}}`,
		"non-string type": `{"type":3,"content":{}}`,
		"missing content": `{"type":"video-answer"}`,
		"null content":    `{"type":"video-answer","content":null}`,
		"unknown type":    `{"type":"text-message","content":"hi"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(payload))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestCandidateRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	msg, err := NewCandidate("a", "b", in)
	if err != nil {
		t.Fatalf("NewCandidate: %v", err)
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		data, err := codec.Encode(msg)
		if err != nil {
			t.Fatalf("%s Encode: %v", codec.Name(), err)
		}
		got, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("%s Decode: %v", codec.Name(), err)
		}
		out, err := got.Candidate()
		if err != nil {
			t.Fatalf("%s Candidate: %v", codec.Name(), err)
		}
		if out.Candidate != in.Candidate || out.SDPMid == nil || *out.SDPMid != mid {
			t.Fatalf("%s candidate mismatch: %+v", codec.Name(), out)
		}
	}
}

func TestMsgpackDecodeMalformed(t *testing.T) {
	notAMap, err := msgpack.Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	noType, err := msgpack.Marshal(map[string]any{"content": []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	unknown, err := msgpack.Marshal(map[string]any{"type": "bogus", "content": []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	for _, payload := range [][]byte{notAMap, noType, unknown} {
		if _, err := (MsgpackCodec{}).Decode(payload); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
		}
	}
}

func TestDescriptionOnCandidateFails(t *testing.T) {
	msg, err := NewCandidate("a", "b", webrtc.ICECandidateInit{Candidate: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := msg.Description(); err == nil {
		t.Fatal("expected error decoding a description from a candidate")
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", CodecJSON, CodecMsgpack} {
		if _, err := ByName(name); err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
