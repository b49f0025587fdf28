package challenge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
)

// countingLedger records CompleteChallenge calls and can hold them open so
// concurrent evaluations overlap.
type countingLedger struct {
	*ledger.MemoryLedger
	completeCalls atomic.Int32
	gate          chan struct{}
}

func (c *countingLedger) CompleteChallenge(ctx context.Context, id string, at time.Time) (bool, error) {
	c.completeCalls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.MemoryLedger.CompleteChallenge(ctx, id, at)
}

func counts(values map[string]int) CountFunc {
	return func(userID string, date domain.Date) int { return values[userID+"/"+date.String()] }
}

func TestCoupleChallengeCompletesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	l := &countingLedger{MemoryLedger: ledger.NewMemoryLedger(), gate: make(chan struct{})}
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "c1", UserID: "me", PartnerID: "partner", Kind: domain.ChallengeCouple, Goal: 10000, Day: "2026-10-15"}))

	var (
		notified atomic.Int32
		lastSeen atomic.Int64
	)
	m := New(l, "me",
		WithLogger(zaptest.NewLogger(t)),
		WithNotifier(NotifierFunc(func(ctx context.Context, p domain.ChallengeProgress) {
			notified.Add(1)
			lastSeen.Store(int64(p.AggregatedSteps))
		})),
	)
	require.NoError(t, m.Load(ctx))

	steps := counts(map[string]int{"me/2026-10-15": 6000, "partner/2026-10-15": 5000})

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Evaluate(ctx, steps)
		}(i)
	}
	require.Eventually(t, func() bool { return l.completeCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(l.gate)
	wg.Wait()

	require.Equal(t, 1, results[0]+results[1])
	require.EqualValues(t, 1, l.completeCalls.Load())
	require.EqualValues(t, 1, notified.Load())
	require.EqualValues(t, 11000, lastSeen.Load())

	// later checks see the completed status and do nothing
	require.Zero(t, m.Evaluate(ctx, steps))
	require.EqualValues(t, 1, l.completeCalls.Load())

	stored, err := l.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeCompleted, stored.Status)
}

func TestSoloChallengeIgnoresPartnerSteps(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "c1", UserID: "me", PartnerID: "partner", Kind: domain.ChallengeSolo, Goal: 10000, Day: "2026-10-15"}))

	m := New(l, "me")
	require.NoError(t, m.Load(ctx))

	steps := counts(map[string]int{"me/2026-10-15": 6000, "partner/2026-10-15": 5000})
	require.Zero(t, m.Evaluate(ctx, steps))

	p, err := m.Progress("c1", steps)
	require.NoError(t, err)
	require.Equal(t, 6000, p.AggregatedSteps)
	require.Equal(t, 4000, p.Remaining())
	require.Equal(t, domain.ChallengeActive, p.Status)
}

func TestCompletionLostToAnotherDeviceIsMirrored(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "c1", UserID: "me", PartnerID: "partner", Kind: domain.ChallengeCouple, Goal: 100, Day: "2026-10-15"}))

	m := New(l, "me")
	require.NoError(t, m.Load(ctx))

	// partner's device wins the race
	ok, err := l.CompleteChallenge(ctx, "c1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.Zero(t, m.Evaluate(ctx, counts(map[string]int{"me/2026-10-15": 100})))
	p, err := m.Progress("c1", counts(nil))
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeCompleted, p.Status)
}

func TestSelectPausesActiveAndActivatesTarget(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "a", UserID: "me", Kind: domain.ChallengeSolo, Goal: 5000, Day: "2026-10-15"}))
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "b", UserID: "me", Kind: domain.ChallengeSolo, Goal: 8000, Day: "2026-10-15", Status: domain.ChallengePaused}))

	m := New(l, "me")
	require.NoError(t, m.Load(ctx))

	require.NoError(t, m.Select(ctx, "b"))

	a, err := l.GetChallenge(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, domain.ChallengePaused, a.Status)
	b, err := l.GetChallenge(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeActive, b.Status)

	// switching back resumes the paused challenge
	require.NoError(t, m.Select(ctx, "a"))
	p, err := m.Progress("a", counts(nil))
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeActive, p.Status)
}

func TestSelectRejectsCompletedAndUnknown(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "done", UserID: "me", Kind: domain.ChallengeSolo, Goal: 1, Status: domain.ChallengeCompleted}))

	m := New(l, "me")
	require.NoError(t, m.Load(ctx))

	require.ErrorIs(t, m.Select(ctx, "done"), domain.ErrInvalidTransition)
	require.ErrorIs(t, m.Select(ctx, "missing"), domain.ErrChallengeNotFound)
}

func TestMirrorStatusKeepsCompletedTerminal(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateChallenge(ctx, domain.Challenge{ID: "c1", UserID: "partner", PartnerID: "me", Kind: domain.ChallengeCouple, Goal: 10}))

	m := New(l, "me")
	// unknown locally, fetched from the ledger
	require.NoError(t, m.MirrorStatus(ctx, "c1", domain.ChallengeActive, nil))
	require.Len(t, m.Challenges(), 1)

	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.MirrorStatus(ctx, "c1", domain.ChallengeCompleted, &at))
	require.NoError(t, m.MirrorStatus(ctx, "c1", domain.ChallengeActive, nil))

	p, err := m.Progress("c1", counts(nil))
	require.NoError(t, err)
	require.Equal(t, domain.ChallengeCompleted, p.Status)
	require.Equal(t, at, *p.CompletedAt)

	require.ErrorIs(t, m.MirrorStatus(ctx, "nope", domain.ChallengeActive, nil), domain.ErrChallengeNotFound)
}
