package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/presence"
	"github.com/dkeye/meshroom/internal/transport"
)

var ErrBadFrame = errors.New("bad frame")

type Event string

const (
	// client -> server
	EventJoin  Event = "join"
	EventLeave Event = "leave"

	// both directions
	EventPeerMessage Event = "peer-message"
	EventTextMessage Event = "text-message"

	// server -> client
	EventJoined        Event = "joined"
	EventLeft          Event = "left"
	EventPresenceState Event = "presence_state"
	EventPresenceDiff  Event = "presence_diff"
	EventError         Event = "error"
)

// Frame is one websocket message of the bus protocol.
type Frame struct {
	Event   Event           `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	ID domain.ParticipantID `json:"id"`
}

// BodyPayload carries an opaque member payload. Text payloads travel in Body so browser
// clients can read them; anything else is base64 in Data.
type BodyPayload struct {
	Body   string               `json:"body,omitempty"`
	Data   []byte               `json:"data,omitempty"`
	Sender domain.ParticipantID `json:"sender,omitempty"`
}

func NewBody(b []byte) BodyPayload {
	if utf8.Valid(b) {
		return BodyPayload{Body: string(b)}
	}
	return BodyPayload{Data: b}
}

func (p BodyPayload) Bytes() []byte {
	if len(p.Data) > 0 {
		return p.Data
	}
	return []byte(p.Body)
}

type StatePayload struct {
	Members []domain.ParticipantID `json:"members"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func Encode(event Event, room domain.RoomID, payload any) ([]byte, error) {
	f := Frame{Event: event, Topic: room.Topic()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

func Decode(b []byte) (Frame, domain.RoomID, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, "", fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Event == "" {
		return Frame{}, "", fmt.Errorf("%w: missing event", ErrBadFrame)
	}
	id, ok := domain.RoomFromTopic(f.Topic)
	if !ok {
		return Frame{}, "", fmt.Errorf("%w: topic %q", ErrBadFrame, f.Topic)
	}
	room, err := domain.NewRoomID(string(id))
	if err != nil {
		return Frame{}, "", fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return f, room, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrBadFrame, f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadFrame, f.Event, err)
	}
	return nil
}

// ClientEvent maps a server frame onto the subscription feed. Frames that are not part of
// the feed (acks, errors) report false.
func ClientEvent(f Frame) (transport.Event, bool, error) {
	switch f.Event {
	case EventPresenceState:
		var p StatePayload
		if err := f.Decode(&p); err != nil {
			return transport.Event{}, false, err
		}
		return transport.Event{Kind: transport.EventPresenceState, State: p.Members}, true, nil
	case EventPresenceDiff:
		var d presence.Diff
		if err := f.Decode(&d); err != nil {
			return transport.Event{}, false, err
		}
		return transport.Event{Kind: transport.EventPresenceDiff, Diff: d}, true, nil
	case EventPeerMessage, EventTextMessage:
		var p BodyPayload
		if err := f.Decode(&p); err != nil {
			return transport.Event{}, false, err
		}
		kind := transport.EventSignal
		if f.Event == EventTextMessage {
			kind = transport.EventText
		}
		return transport.Event{Kind: kind, Sender: p.Sender, Payload: p.Bytes()}, true, nil
	}
	return transport.Event{}, false, nil
}

func feedEvent(frame []byte) (transport.Event, bool, error) {
	f, _, err := Decode(frame)
	if err != nil {
		return transport.Event{}, false, err
	}
	return ClientEvent(f)
}
