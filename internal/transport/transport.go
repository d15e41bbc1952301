// Package transport describes the room message bus as one participant sees it: an ordered
// feed of presence and payload events, and a broadcast send primitive.
package transport

//go:generate mockgen -source=transport.go -destination=transportmock/mock.go -package=transportmock

import (
	"context"
	"errors"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/presence"
)

var ErrClosed = errors.New("subscription closed")

type EventKind int

const (
	// EventPresenceState carries the full membership right after joining.
	EventPresenceState EventKind = iota
	EventPresenceDiff
	// EventSignal carries an opaque signaling payload broadcast by another member.
	EventSignal
	// EventText carries a chat line.
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventPresenceState:
		return "presence_state"
	case EventPresenceDiff:
		return "presence_diff"
	case EventSignal:
		return "peer-message"
	case EventText:
		return "text-message"
	}
	return "unknown"
}

type Event struct {
	Kind    EventKind
	State   []domain.ParticipantID
	Diff    presence.Diff
	Sender  domain.ParticipantID
	Payload []byte
}

// Transport opens room subscriptions.
type Transport interface {
	Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (Subscription, error)
}

// Subscription is one membership in one room. Events are delivered in bus order and the
// channel is closed when the subscription ends.
type Subscription interface {
	Events() <-chan Event
	// Send broadcasts an opaque signaling payload to every other member.
	Send(payload []byte) error
	// SendText broadcasts a chat line to every other member.
	SendText(body string) error
	Close() error
}
