package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

// DefaultHealthInterval is how often the health service is polled.
const DefaultHealthInterval = 60 * time.Second

// HealthAdapter polls the health service for today's total on a schedule and
// emits HealthAPI observations. Query failures are reported as zero.
type HealthAdapter struct {
	health   HealthCapability
	userID   string
	interval time.Duration
	emit     Emit
	opts     options

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewHealthAdapter constructs an adapter for the local user.
func NewHealthAdapter(health HealthCapability, userID string, interval time.Duration, emit Emit, opts ...Option) *HealthAdapter {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthAdapter{
		health:   health,
		userID:   userID,
		interval: interval,
		emit:     emit,
		opts:     applyOptions(opts),
	}
}

// Start runs one poll immediately and schedules the rest.
func (a *HealthAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.interval), func() { a.Poll(pollCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule health poll: %w", err)
	}

	a.cron = c
	a.cancel = cancel

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.Poll(pollCtx)
	}()
	c.Start()
	return nil
}

// Poll queries start-of-day to now and emits the result.
func (a *HealthAdapter) Poll(ctx context.Context) {
	now := a.opts.now()
	today := domain.DateOf(now, a.opts.loc)

	count, err := a.health.QueryStepsInRange(ctx, today.Start(a.opts.loc), now)
	if err != nil {
		a.opts.logger.Debug("health query failed", zap.Error(err))
		count = 0
	}
	if ctx.Err() != nil {
		return
	}

	a.emit(domain.Observation{
		Source:     domain.SourceHealthAPI,
		UserID:     a.userID,
		Date:       today,
		Count:      count,
		ObservedAt: now,
	})
}

// Stop cancels in-flight queries and waits for running polls to finish.
func (a *HealthAdapter) Stop() {
	a.mu.Lock()
	c, cancel := a.cron, a.cancel
	a.cron, a.cancel = nil, nil
	a.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	a.pending.Wait()
}
