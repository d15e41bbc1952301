package domain

import "strings"

const (
	MaxRoomIDLen = 64
	topicPrefix  = "videoroom:"
)

type RoomID string

// Topic is the bus topic a room's members subscribe to.
func (r RoomID) Topic() string { return topicPrefix + string(r) }

// RoomFromTopic reverses Topic.
func RoomFromTopic(topic string) (RoomID, bool) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return RoomID(id), true
}

func NewRoomID(raw string) (RoomID, error) {
	if raw == "" {
		return "", ErrRoomEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomTooLong
	}
	return RoomID(raw), nil
}
