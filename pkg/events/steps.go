// Package events defines the change-feed payloads emitted by the remote ledger.
package events

import "time"

// Event types carried in the event_type header.
const (
	TypeStepsUpserted          = "steps.upserted"
	TypeChallengeStatusChanged = "challenge.status_changed"
)

// StepsUpserted is emitted when a daily step row changes value.
type StepsUpserted struct {
	UserID    string    `json:"user_id"`
	Date      string    `json:"date"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChallengeStatusChanged tracks authoritative challenge transitions.
type ChallengeStatusChanged struct {
	ChallengeID string     `json:"challenge_id"`
	UserID      string     `json:"user_id"`
	PartnerID   string     `json:"partner_id,omitempty"`
	Status      string     `json:"status"`
	OccurredAt  time.Time  `json:"occurred_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
