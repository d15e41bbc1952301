package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns messages into opaque bus payloads and back. Implementations are side-effect free.
type Codec interface {
	Name() string
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// ByName returns the codec registered under name. An empty name selects JSON,
// the only codec browsers speak.
func ByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, reason)
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, malformed("invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, malformed("not an object")
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return Message{}, malformed("missing type")
	}
	content := root.Get("content")
	if !content.Exists() || content.Type == gjson.Null {
		return Message{}, malformed("missing content")
	}
	kind := Kind(typ.Str)
	if !kind.Valid() {
		return Message{}, malformed(fmt.Sprintf("unknown type %q", typ.Str))
	}
	return Message{
		Type:     kind,
		Content:  json.RawMessage(content.Raw),
		SenderID: domain.ParticipantID(root.Get("senderId").String()),
		TargetID: domain.ParticipantID(root.Get("targetId").String()),
	}, nil
}

// MsgpackCodec is a compact codec for rooms made only of Go peers.
type MsgpackCodec struct{}

type msgpackWire struct {
	Type     *string `msgpack:"type"`
	Content  []byte  `msgpack:"content"`
	SenderID string  `msgpack:"senderId"`
	TargetID string  `msgpack:"targetId"`
}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	typ := string(m.Type)
	return msgpack.Marshal(&msgpackWire{
		Type:     &typ,
		Content:  m.Content,
		SenderID: string(m.SenderID),
		TargetID: string(m.TargetID),
	})
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var w msgpackWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Message{}, malformed(err.Error())
	}
	if w.Type == nil {
		return Message{}, malformed("missing type")
	}
	if len(w.Content) == 0 {
		return Message{}, malformed("missing content")
	}
	kind := Kind(*w.Type)
	if !kind.Valid() {
		return Message{}, malformed(fmt.Sprintf("unknown type %q", *w.Type))
	}
	return Message{
		Type:     kind,
		Content:  w.Content,
		SenderID: domain.ParticipantID(w.SenderID),
		TargetID: domain.ParticipantID(w.TargetID),
	}, nil
}
