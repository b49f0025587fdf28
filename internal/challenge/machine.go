// Package challenge tracks mirrored challenges and drives the
// active -> completed transition against the remote ledger.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
)

// CountFunc returns the canonical count for a user on a day.
type CountFunc func(userID string, date domain.Date) int

// Notifier is told about challenges this process completed.
type Notifier interface {
	ChallengeCompleted(ctx context.Context, progress domain.ChallengeProgress)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, progress domain.ChallengeProgress)

// ChallengeCompleted implements Notifier.
func (f NotifierFunc) ChallengeCompleted(ctx context.Context, progress domain.ChallengeProgress) {
	f(ctx, progress)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNotifier registers the completion notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithClock overrides the clock used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine mirrors the challenges visible to the local user.
type Machine struct {
	ledger      ledger.Ledger
	localUserID string
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time

	mu         sync.Mutex
	challenges map[string]domain.Challenge
	inFlight   map[string]struct{}
}

// New constructs a Machine for localUserID.
func New(l ledger.Ledger, localUserID string, opts ...Option) *Machine {
	m := &Machine{
		ledger:      l,
		localUserID: localUserID,
		logger:      zap.NewNop(),
		now:         time.Now,
		challenges:  make(map[string]domain.Challenge),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the mirror with the ledger's view of the local user's challenges.
func (m *Machine) Load(ctx context.Context) error {
	list, err := m.ledger.ListChallenges(ctx, m.localUserID)
	if err != nil {
		return fmt.Errorf("list challenges: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges = make(map[string]domain.Challenge, len(list))
	for _, ch := range list {
		m.challenges[ch.ID] = ch
	}
	return nil
}

// Challenges returns the mirrored challenges ordered by creation time.
func (m *Machine) Challenges() []domain.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Challenge, 0, len(m.challenges))
	for _, ch := range m.challenges {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mirror applies an authoritative challenge row. Completed is terminal, so a
// stale non-completed row never reopens a completed challenge.
func (m *Machine) Mirror(ch domain.Challenge) {
	if ch.UserID != m.localUserID && ch.PartnerID != m.localUserID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.challenges[ch.ID]; ok && current.Status == domain.ChallengeCompleted && ch.Status != domain.ChallengeCompleted {
		return
	}
	m.challenges[ch.ID] = ch
}

// MirrorStatus applies a status change from the change feed. Unknown
// challenges are fetched from the ledger.
func (m *Machine) MirrorStatus(ctx context.Context, id string, status domain.ChallengeStatus, completedAt *time.Time) error {
	m.mu.Lock()
	ch, ok := m.challenges[id]
	if ok {
		if ch.Status != domain.ChallengeCompleted {
			ch.Status = status
			if completedAt != nil {
				ch.CompletedAt = completedAt
			}
			m.challenges[id] = ch
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	fetched, err := m.ledger.GetChallenge(ctx, id)
	if err != nil {
		return err
	}
	if fetched == nil {
		return domain.ErrChallengeNotFound
	}
	m.Mirror(*fetched)
	return nil
}

// Progress returns the presentation view of a mirrored challenge.
func (m *Machine) Progress(id string, counts CountFunc) (domain.ChallengeProgress, error) {
	m.mu.Lock()
	ch, ok := m.challenges[id]
	m.mu.Unlock()
	if !ok {
		return domain.ChallengeProgress{}, domain.ErrChallengeNotFound
	}
	return progressOf(ch, counts), nil
}

func progressOf(ch domain.Challenge, counts CountFunc) domain.ChallengeProgress {
	return domain.ChallengeProgress{
		ChallengeID:     ch.ID,
		Kind:            ch.Kind,
		Goal:            ch.Goal,
		Day:             ch.Day,
		Status:          ch.Status,
		AggregatedSteps: aggregate(ch, counts),
		CompletedAt:     ch.CompletedAt,
	}
}

func aggregate(ch domain.Challenge, counts CountFunc) int {
	total := counts(ch.UserID, ch.Day)
	if ch.Kind == domain.ChallengeCouple && ch.PartnerID != "" {
		total += counts(ch.PartnerID, ch.Day)
	}
	return total
}

// Evaluate completes every active challenge whose aggregated steps reached
// the goal. Each challenge is written at most once at a time from this
// process; the ledger's conditional update drops duplicates from elsewhere.
// It returns the number of challenges this call completed.
func (m *Machine) Evaluate(ctx context.Context, counts CountFunc) int {
	m.mu.Lock()
	due := make([]domain.Challenge, 0)
	for id, ch := range m.challenges {
		if ch.Status != domain.ChallengeActive || ch.Goal <= 0 {
			continue
		}
		if _, busy := m.inFlight[id]; busy {
			continue
		}
		if aggregate(ch, counts) >= ch.Goal {
			m.inFlight[id] = struct{}{}
			due = append(due, ch)
		}
	}
	m.mu.Unlock()

	completed := 0
	for _, ch := range due {
		if m.complete(ctx, ch, counts) {
			completed++
		}
	}
	return completed
}

func (m *Machine) complete(ctx context.Context, ch domain.Challenge, counts CountFunc) bool {
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, ch.ID)
		m.mu.Unlock()
	}()

	at := m.now().UTC()
	ok, err := m.ledger.CompleteChallenge(ctx, ch.ID, at)
	if err != nil {
		m.logger.Warn("complete challenge failed", zap.String("challenge_id", ch.ID), zap.Error(err))
		return false
	}
	if !ok {
		// Someone else moved it first; adopt the authoritative row.
		if fresh, getErr := m.ledger.GetChallenge(ctx, ch.ID); getErr == nil && fresh != nil {
			m.Mirror(*fresh)
		}
		return false
	}

	m.mu.Lock()
	ch.Status = domain.ChallengeCompleted
	ch.CompletedAt = &at
	ch.UpdatedAt = at
	m.challenges[ch.ID] = ch
	m.mu.Unlock()

	progress := progressOf(ch, counts)
	m.logger.Info("challenge completed",
		zap.String("challenge_id", ch.ID),
		zap.Int("goal", ch.Goal),
		zap.Int("aggregated_steps", progress.AggregatedSteps),
	)
	if m.notifier != nil {
		m.notifier.ChallengeCompleted(ctx, progress)
	}
	return true
}

// Select pauses the currently active challenges and activates id.
func (m *Machine) Select(ctx context.Context, id string) error {
	m.mu.Lock()
	target, ok := m.challenges[id]
	others := make([]domain.Challenge, 0)
	for otherID, ch := range m.challenges {
		if otherID != id && ch.Status == domain.ChallengeActive {
			others = append(others, ch)
		}
	}
	m.mu.Unlock()

	if !ok {
		return domain.ErrChallengeNotFound
	}
	if target.Status == domain.ChallengeCompleted {
		return fmt.Errorf("%w: challenge %s is completed", domain.ErrInvalidTransition, id)
	}

	var errs error
	for _, ch := range others {
		if err := m.transition(ctx, ch.ID, domain.ChallengeActive, domain.ChallengePaused); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	if target.Status == domain.ChallengePaused {
		return m.transition(ctx, id, domain.ChallengePaused, domain.ChallengeActive)
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, id string, from, to domain.ChallengeStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	ok, err := m.ledger.TransitionChallenge(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("transition challenge %s: %w", id, err)
	}
	if !ok {
		fresh, getErr := m.ledger.GetChallenge(ctx, id)
		if getErr == nil && fresh != nil {
			m.Mirror(*fresh)
		}
		return fmt.Errorf("%w: challenge %s is no longer %s", domain.ErrInvalidTransition, id, from)
	}

	m.mu.Lock()
	if ch, exists := m.challenges[id]; exists {
		ch.Status = to
		ch.UpdatedAt = m.now().UTC()
		m.challenges[id] = ch
	}
	m.mu.Unlock()
	return nil
}
