// Package engine serializes every step observation onto one goroutine,
// folds it into the canonical store and drives throttled ledger writes and
// challenge checks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/challenge"
	"github.com/AdnanHimself/couple-steps-sub000/internal/daystore"
	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
	"github.com/AdnanHimself/couple-steps-sub000/internal/observability"
	"github.com/AdnanHimself/couple-steps-sub000/internal/streak"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

var (
	// ErrNotRunning is returned when work is submitted while Run is not active.
	ErrNotRunning = errors.New("engine is not running")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("engine is already running")
	// ErrInvalidManualSteps is returned for non-positive manual additions.
	ErrInvalidManualSteps = errors.New("manual steps must be positive")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the time zone that defines a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithSyncWindow overrides the throttle window.
func WithSyncWindow(window time.Duration) Option {
	return func(e *Engine) { e.throttle = NewThrottle(window) }
}

// WithStreakThreshold overrides the daily goal used for streaks.
func WithStreakThreshold(threshold int) Option {
	return func(e *Engine) {
		if threshold > 0 {
			e.threshold = threshold
		}
	}
}

// WithQueueSize sets the event channel capacity.
func WithQueueSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.queueSize = size
		}
	}
}

type event any

type observationEvent struct {
	obs domain.Observation
}

type manualEvent struct {
	steps int
	reply chan int
}

type syncResultEvent struct {
	seq    uint64
	userID string
	date   domain.Date
	count  int
	err    error
	at     time.Time
}

type resetEvent struct {
	done chan struct{}
}

// Engine is the reconciliation mediator. Observations, manual additions,
// sync completions and throttle resets are handled in arrival order by Run.
type Engine struct {
	store     *daystore.Store
	ledger    ledger.Ledger
	machine   *challenge.Machine
	logger    *zap.Logger
	now       func() time.Time
	loc       *time.Location
	threshold int
	queueSize int

	// Owned by the Run goroutine.
	throttle *Throttle

	events chan event

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	stopped   chan struct{}
	started   chan struct{}
	startOnce sync.Once

	inflight sync.WaitGroup
}

// New constructs an Engine over the store, ledger and challenge machine.
func New(store *daystore.Store, l ledger.Ledger, machine *challenge.Machine, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		ledger:    l,
		machine:   machine,
		logger:    zap.NewNop(),
		now:       time.Now,
		loc:       time.Local,
		threshold: streak.DefaultThreshold,
		queueSize: 256,
		throttle:  NewThrottle(DefaultSyncWindow),
		started:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = make(chan event, e.queueSize)
	return e
}

// Run processes events until ctx is cancelled, then waits for in-flight
// upserts and challenge checks to return.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.runCtx = ctx
	e.stopped = make(chan struct{})
	stopped := e.stopped
	e.mu.Unlock()
	e.startOnce.Do(func() { close(e.started) })

	defer func() {
		e.mu.Lock()
		e.running = false
		close(stopped)
		e.mu.Unlock()
		e.inflight.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case observationEvent:
		e.apply(ctx, ev.obs)
	case manualEvent:
		today := e.Today()
		local := e.store.LocalUserID()
		now := e.now()
		e.apply(ctx, domain.Observation{
			Source:     domain.SourceSensor,
			UserID:     local,
			Date:       today,
			Count:      e.store.Count(local, today) + ev.steps,
			ObservedAt: now,
		})
		ev.reply <- e.store.Count(local, today)
	case syncResultEvent:
		e.throttle.Complete(ev.seq)
		if ev.err != nil {
			recordSync("failed")
			e.logger.Warn("ledger upsert failed",
				zap.String("user_id", ev.userID),
				zap.String("date", ev.date.String()),
				zap.Int("count", ev.count),
				zap.Error(ev.err),
			)
			return
		}
		recordSync("succeeded")
		e.store.MarkSynced(ev.userID, ev.date, ev.at)
		observability.RecordSynced(ev.at)
	case resetEvent:
		e.throttle.Reset()
		close(ev.done)
	}
}

func (e *Engine) apply(ctx context.Context, obs domain.Observation) {
	rec, changed := e.store.Apply(obs)
	recordObservation(obs.Source, changed)
	if !changed {
		return
	}

	role := "partner"
	if rec.UserID == e.store.LocalUserID() {
		role = "local"
		// Values that came from the ledger are already persisted there.
		if obs.Source == domain.SourceSensor || obs.Source == domain.SourceHealthAPI {
			e.maybeSync(ctx, rec)
		}
	}
	observability.RecordCanonicalUpdate(role, rec.LastLocalUpdateAt)
	e.evaluateChallenges(ctx)
}

func (e *Engine) maybeSync(ctx context.Context, rec domain.DailyStepRecord) {
	if !e.throttle.Trigger(e.now()) {
		recordSync("coalesced")
		return
	}
	recordSync("issued")

	seq, timeout := e.throttle.Seq(), e.throttle.Window()
	userID, date := rec.UserID, rec.Date
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		// Send whatever is canonical now, not the value that triggered the send.
		count := e.store.Count(userID, date)
		e.store.MarkSent(userID, date, count)
		upsertCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := e.ledger.UpsertDailySteps(upsertCtx, userID, date, count)
		cancel()
		e.post(ctx, syncResultEvent{seq: seq, userID: userID, date: date, count: count, err: err, at: e.now()})
	}()
}

func (e *Engine) evaluateChallenges(ctx context.Context) {
	if e.machine == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.machine.Evaluate(ctx, e.store.Count)
	}()
}

// post delivers an internal event back to the loop.
func (e *Engine) post(ctx context.Context, ev event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// enqueue hands an external event to the loop.
func (e *Engine) enqueue(ctx context.Context, ev event) error {
	e.mu.Lock()
	running, stopped := e.running, e.stopped
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case e.events <- ev:
		return nil
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues an observation for the loop.
func (e *Engine) Submit(ctx context.Context, obs domain.Observation) error {
	return e.enqueue(ctx, observationEvent{obs: obs})
}

// MirrorChallenge applies a challenge status change from the change feed.
func (e *Engine) MirrorChallenge(ctx context.Context, evt events.ChallengeStatusChanged) error {
	if e.machine == nil {
		return nil
	}
	err := e.machine.MirrorStatus(ctx, evt.ChallengeID, domain.ChallengeStatus(evt.Status), evt.CompletedAt)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		return nil
	}
	return err
}

// AddManualSteps adds steps to the local user's count for today and returns
// the resulting canonical count.
func (e *Engine) AddManualSteps(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return 0, ErrInvalidManualSteps
	}
	reply := make(chan int, 1)
	if err := e.enqueue(ctx, manualEvent{steps: steps, reply: reply}); err != nil {
		return 0, err
	}

	select {
	case count := <-reply:
		return count, nil
	case <-e.stoppedChan():
		return 0, ErrNotRunning
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ResetThrottle returns the throttle to Idle once the loop reaches the request.
func (e *Engine) ResetThrottle(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.enqueue(ctx, resetEvent{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.stoppedChan():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started is closed once Run has begun accepting events.
func (e *Engine) Started() <-chan struct{} { return e.started }

func (e *Engine) stoppedChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Today returns the current calendar day in the engine's time zone.
func (e *Engine) Today() domain.Date {
	return domain.DateOf(e.now(), e.loc)
}

// CanonicalSteps returns the canonical record for the user and day.
func (e *Engine) CanonicalSteps(userID string, date domain.Date) (domain.DailyStepRecord, bool) {
	return e.store.Get(userID, date)
}

// Threshold returns the daily goal used for streaks.
func (e *Engine) Threshold() int { return e.threshold }

// Streak computes the user's streak over the last 30 days. The local user
// and partner are served from the store; anyone else from the ledger.
func (e *Engine) Streak(ctx context.Context, userID string) (domain.StreakResult, error) {
	today := e.Today()
	var records []domain.DailyStepRecord
	if userID == e.store.LocalUserID() || (userID != "" && userID == e.store.PartnerID()) {
		records = e.store.History(userID, today, streak.WindowDays)
	} else {
		var err error
		records, err = e.ledger.ListDailySteps(ctx, userID, today.AddDays(-(streak.WindowDays - 1)), today)
		if err != nil {
			return domain.StreakResult{}, fmt.Errorf("list daily steps: %w", err)
		}
	}
	return streak.Calculate(records, today, e.threshold), nil
}

// ChallengeProgress returns progress for a challenge, fetching it from the
// ledger when it is not mirrored yet.
func (e *Engine) ChallengeProgress(ctx context.Context, id string) (domain.ChallengeProgress, error) {
	if e.machine == nil {
		return domain.ChallengeProgress{}, domain.ErrChallengeNotFound
	}
	progress, err := e.machine.Progress(id, e.store.Count)
	if !errors.Is(err, domain.ErrChallengeNotFound) {
		return progress, err
	}

	ch, err := e.ledger.GetChallenge(ctx, id)
	if err != nil {
		return domain.ChallengeProgress{}, err
	}
	if ch == nil {
		return domain.ChallengeProgress{}, domain.ErrChallengeNotFound
	}
	e.machine.Mirror(*ch)
	return e.machine.Progress(id, e.store.Count)
}

// SelectChallenge makes id the active challenge and checks it right away.
func (e *Engine) SelectChallenge(ctx context.Context, id string) error {
	if e.machine == nil {
		return domain.ErrChallengeNotFound
	}
	if err := e.machine.Select(ctx, id); err != nil {
		return err
	}
	e.machine.Evaluate(ctx, e.store.Count)
	return nil
}

// Hydrate loads the last 30 days for the local user and partner from the
// ledger and feeds them through the loop as echoes.
func (e *Engine) Hydrate(ctx context.Context) error {
	today := e.Today()
	from := today.AddDays(-(daystore.DefaultRetentionDays - 1))

	users := []string{e.store.LocalUserID()}
	if partner := e.store.PartnerID(); partner != "" {
		users = append(users, partner)
	}

	for _, userID := range users {
		records, err := e.ledger.ListDailySteps(ctx, userID, from, today)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", userID, err)
		}
		// Oldest first so retention pruning sees days in order.
		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]
			if err := e.Submit(ctx, domain.Observation{
				Source:     domain.SourceRemoteEcho,
				UserID:     userID,
				Date:       rec.Date,
				Count:      rec.Count,
				ObservedAt: rec.LastSyncedAt,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
