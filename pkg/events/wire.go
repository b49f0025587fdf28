package events

import (
	"encoding/binary"
	"fmt"
)

// Change-feed topics.
const (
	TopicDailySteps       = "daily_steps_changes"
	TopicChallengeChanges = "challenge_status_changes"
)

// HeaderEventType names the record header carrying the event type.
const HeaderEventType = "event_type"

// WireHeaderSize is the length of the Schema Registry frame prefix: a zero
// magic byte followed by a big-endian schema id.
const WireHeaderSize = 5

// Frame prefixes payload with the Schema Registry header.
func Frame(schemaID int, payload []byte) []byte {
	frame := make([]byte, WireHeaderSize+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:WireHeaderSize], uint32(schemaID))
	copy(frame[WireHeaderSize:], payload)
	return frame
}

// Unframe splits a framed record into schema id and payload.
func Unframe(frame []byte) (int, []byte, error) {
	if len(frame) < WireHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != 0 {
		return 0, nil, fmt.Errorf("unexpected magic byte %d", frame[0])
	}
	return int(binary.BigEndian.Uint32(frame[1:WireHeaderSize])), frame[WireHeaderSize:], nil
}

// TypeForTopic returns the event type a topic carries, for records written
// without an event_type header.
func TypeForTopic(topic string) string {
	switch topic {
	case TopicDailySteps:
		return TypeStepsUpserted
	case TopicChallengeChanges:
		return TypeChallengeStatusChanged
	default:
		return ""
	}
}
