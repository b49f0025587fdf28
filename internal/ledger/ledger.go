// Package ledger defines the remote ledger contract the engine syncs against.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

// Ledger is the eventually-consistent store of record for daily steps and
// challenge status.
type Ledger interface {
	// UpsertDailySteps writes the count keyed on (userID, date). It reports
	// whether the stored value changed; equal counts are no-ops.
	UpsertDailySteps(ctx context.Context, userID string, date domain.Date, count int) (bool, error)
	// ListDailySteps returns records in [from, to], newest first.
	ListDailySteps(ctx context.Context, userID string, from, to domain.Date) ([]domain.DailyStepRecord, error)

	CreateChallenge(ctx context.Context, challenge domain.Challenge) error
	GetChallenge(ctx context.Context, id string) (*domain.Challenge, error)
	// ListChallenges returns challenges the user owns or shares as partner.
	ListChallenges(ctx context.Context, userID string) ([]domain.Challenge, error)
	// CompleteChallenge marks an active challenge completed. It reports false
	// when the row was no longer active.
	CompleteChallenge(ctx context.Context, id string, at time.Time) (bool, error)
	// TransitionChallenge moves the challenge from one status to another,
	// conditioned on the current status.
	TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus) (bool, error)
}

// Change is one row-level change notification from the ledger's feed.
type Change struct {
	EventType  string
	Key        string
	Payload    json.RawMessage
	OccurredAt time.Time
}
