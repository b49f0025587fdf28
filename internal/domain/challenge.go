package domain

import "time"

// ChallengeStatus mirrors the authoritative status held by the remote ledger.
type ChallengeStatus string

const (
	ChallengeActive    ChallengeStatus = "active"
	ChallengePaused    ChallengeStatus = "paused"
	ChallengeCompleted ChallengeStatus = "completed"
)

// ChallengeKind decides whose steps count toward the goal.
type ChallengeKind string

const (
	ChallengeSolo   ChallengeKind = "solo"
	ChallengeCouple ChallengeKind = "couple"
)

// Challenge is a step goal for one day, owned by a user and optionally shared
// with the partner.
type Challenge struct {
	ID          string
	UserID      string
	PartnerID   string
	Kind        ChallengeKind
	Goal        int
	Day         Date
	Status      ChallengeStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ChallengeProgress is the presentation view of a challenge.
type ChallengeProgress struct {
	ChallengeID     string
	Kind            ChallengeKind
	Goal            int
	Day             Date
	Status          ChallengeStatus
	AggregatedSteps int
	CompletedAt     *time.Time
}

// Remaining returns how many steps are still missing to reach the goal.
func (p ChallengeProgress) Remaining() int {
	if p.AggregatedSteps >= p.Goal {
		return 0
	}
	return p.Goal - p.AggregatedSteps
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ChallengeStatus) bool {
	switch from {
	case ChallengeActive:
		return to == ChallengePaused || to == ChallengeCompleted
	case ChallengePaused:
		return to == ChallengeActive
	default:
		return false
	}
}
