// Package envelope defines the signaling messages exchanged between peers over the room bus
// and the codecs that put them on the wire.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ErrMalformedEnvelope is returned for payloads that are not a signaling message.
// Callers drop and log them; they never reach a peer session.
var ErrMalformedEnvelope = errors.New("malformed envelope")

type Kind string

const (
	KindOffer     Kind = "video-offer"
	KindAnswer    Kind = "video-answer"
	KindCandidate Kind = "ice-candidate"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return false
}

// Message is the signaling envelope. Content is kept raw; its shape is validated by the
// native negotiation primitives, not here.
type Message struct {
	Type     Kind                 `json:"type" msgpack:"type"`
	Content  json.RawMessage      `json:"content" msgpack:"content"`
	SenderID domain.ParticipantID `json:"senderId" msgpack:"senderId"`
	TargetID domain.ParticipantID `json:"targetId" msgpack:"targetId"`
}

// AddressedTo reports whether m was sent by remote to local.
func (m Message) AddressedTo(local, remote domain.ParticipantID) bool {
	return m.TargetID == local && m.SenderID == remote
}

func NewOffer(from, to domain.ParticipantID, sd webrtc.SessionDescription) (Message, error) {
	return newMessage(KindOffer, from, to, sd)
}

func NewAnswer(from, to domain.ParticipantID, sd webrtc.SessionDescription) (Message, error) {
	return newMessage(KindAnswer, from, to, sd)
}

func NewCandidate(from, to domain.ParticipantID, c webrtc.ICECandidateInit) (Message, error) {
	return newMessage(KindCandidate, from, to, c)
}

func newMessage(kind Kind, from, to domain.ParticipantID, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s content: %w", kind, err)
	}
	return Message{Type: kind, Content: raw, SenderID: from, TargetID: to}, nil
}

// Description decodes the SDP carried by an offer or answer.
func (m Message) Description() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if m.Type != KindOffer && m.Type != KindAnswer {
		return sd, fmt.Errorf("%s carries no session description", m.Type)
	}
	if err := json.Unmarshal(m.Content, &sd); err != nil {
		return sd, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

// Candidate decodes the ICE candidate carried by an ice-candidate message.
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if m.Type != KindCandidate {
		return c, fmt.Errorf("%s carries no candidate", m.Type)
	}
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}
