// Package domain contains identities without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxParticipantIDLen = 64

var (
	ErrParticipantEmpty   = errors.New("participant id empty")
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrRoomEmpty          = errors.New("room id empty")
	ErrRoomTooLong        = errors.New("room id too long")
)

// ParticipantID identifies a room member for the lifetime of one room session.
type ParticipantID string

// NewParticipantID generates a fresh identity. IDs are never reused across sessions.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func ParseParticipantID(raw string) (ParticipantID, error) {
	if raw == "" {
		return "", ErrParticipantEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantTooLong
	}
	return ParticipantID(raw), nil
}

func (p ParticipantID) String() string { return string(p) }
