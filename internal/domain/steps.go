// Package domain defines the step tracking model shared by the engine, the
// ledger and the API.
package domain

import (
	"errors"
	"time"
)

var (
	// ErrChallengeNotFound is returned when a challenge cannot be located.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrInvalidTransition is returned for challenge status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid challenge transition")
)

// Source tags where an observation came from.
type Source string

const (
	SourceSensor     Source = "sensor"
	SourceHealthAPI  Source = "health_api"
	SourceRemoteEcho Source = "remote_echo"
	SourcePeerPush   Source = "peer_push"
)

// DailyStepRecord is the canonical per-user per-day step count.
type DailyStepRecord struct {
	UserID            string
	Date              Date
	Count             int
	LastLocalUpdateAt time.Time
	LastSyncedAt      time.Time
}

// Observation is one source's report of a step count. It is consumed by the
// day-record store and never persisted.
type Observation struct {
	Source     Source
	UserID     string
	Date       Date
	Count      int
	ObservedAt time.Time
}

// StreakResult is derived from the most recent daily records.
type StreakResult struct {
	CurrentStreak int
	HighestStreak int
}
