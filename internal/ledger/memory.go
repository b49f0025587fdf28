package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

type stepKey struct {
	userID string
	date   domain.Date
}

// MemoryLedger stores rows in memory for tests and local development. Changes
// are delivered synchronously to subscribers, mimicking the change feed.
type MemoryLedger struct {
	mu          sync.RWMutex
	steps       map[stepKey]domain.DailyStepRecord
	challenges  map[string]domain.Challenge
	subscribers map[int]func(Change)
	nextSubID   int
	now         func() time.Time
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		steps:       make(map[stepKey]domain.DailyStepRecord),
		challenges:  make(map[string]domain.Challenge),
		subscribers: make(map[int]func(Change)),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn for every subsequent change and returns a function
// that removes it.
func (m *MemoryLedger) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// UpsertDailySteps implements Ledger.
func (m *MemoryLedger) UpsertDailySteps(ctx context.Context, userID string, date domain.Date, count int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	key := stepKey{userID: userID, date: date}
	existing, ok := m.steps[key]
	if ok && existing.Count == count {
		m.mu.Unlock()
		return false, nil
	}
	now := m.now()
	m.steps[key] = domain.DailyStepRecord{UserID: userID, Date: date, Count: count, LastSyncedAt: now}
	m.mu.Unlock()

	m.publish(events.TypeStepsUpserted, userID, events.StepsUpserted{
		UserID:    userID,
		Date:      date.String(),
		Count:     count,
		UpdatedAt: now,
	})
	return true, nil
}

// ListDailySteps implements Ledger.
func (m *MemoryLedger) ListDailySteps(ctx context.Context, userID string, from, to domain.Date) ([]domain.DailyStepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.DailyStepRecord, 0)
	for key, rec := range m.steps {
		if key.userID != userID || key.date.Before(from) || to.Before(key.date) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Date.Before(out[i].Date) })
	return out, nil
}

// CreateChallenge implements Ledger.
func (m *MemoryLedger) CreateChallenge(ctx context.Context, challenge domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(challenge.ID) == "" {
		challenge.ID = uuid.NewString()
	}
	if challenge.Status == "" {
		challenge.Status = domain.ChallengeActive
	}
	now := m.now()
	if challenge.CreatedAt.IsZero() {
		challenge.CreatedAt = now
	}
	challenge.UpdatedAt = now
	m.challenges[challenge.ID] = challenge
	return nil
}

// GetChallenge implements Ledger.
func (m *MemoryLedger) GetChallenge(ctx context.Context, id string) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.challenges[id]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

// ListChallenges implements Ledger.
func (m *MemoryLedger) ListChallenges(ctx context.Context, userID string) ([]domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Challenge, 0)
	for _, ch := range m.challenges {
		if ch.UserID == userID || ch.PartnerID == userID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CompleteChallenge implements Ledger.
func (m *MemoryLedger) CompleteChallenge(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.transition(ctx, id, domain.ChallengeActive, domain.ChallengeCompleted, &at)
}

// TransitionChallenge implements Ledger.
func (m *MemoryLedger) TransitionChallenge(ctx context.Context, id string, from, to domain.ChallengeStatus) (bool, error) {
	return m.transition(ctx, id, from, to, nil)
}

func (m *MemoryLedger) transition(ctx context.Context, id string, from, to domain.ChallengeStatus, completedAt *time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	ch, ok := m.challenges[id]
	if !ok {
		m.mu.Unlock()
		return false, domain.ErrChallengeNotFound
	}
	if ch.Status != from {
		m.mu.Unlock()
		return false, nil
	}
	now := m.now()
	ch.Status = to
	ch.UpdatedAt = now
	if completedAt != nil {
		at := completedAt.UTC()
		ch.CompletedAt = &at
	}
	m.challenges[id] = ch
	m.mu.Unlock()

	m.publish(events.TypeChallengeStatusChanged, ch.ID, events.ChallengeStatusChanged{
		ChallengeID: ch.ID,
		UserID:      ch.UserID,
		PartnerID:   ch.PartnerID,
		Status:      string(ch.Status),
		OccurredAt:  now,
		CompletedAt: ch.CompletedAt,
	})
	return true, nil
}

func (m *MemoryLedger) publish(eventType, key string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	change := Change{EventType: eventType, Key: key, Payload: body, OccurredAt: m.now()}

	m.mu.RLock()
	subs := make([]func(Change), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}
