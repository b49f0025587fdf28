package sources

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

// Unsubscribe releases a sensor subscription.
type Unsubscribe func() error

// SensorCapability pushes the device's cumulative step total for today.
type SensorCapability interface {
	Subscribe(func(totalStepsToday int)) (Unsubscribe, error)
}

// SensorAdapter owns one sensor subscription for a session, keeps the latest
// reading for pull access and forwards each reading as an observation.
type SensorAdapter struct {
	sensor SensorCapability
	userID string
	emit   Emit
	opts   options

	mu          sync.Mutex
	latest      int
	latestAt    time.Time
	unsubscribe Unsubscribe
	closed      bool
}

// NewSensorAdapter constructs an adapter for the local user.
func NewSensorAdapter(sensor SensorCapability, userID string, emit Emit, opts ...Option) *SensorAdapter {
	return &SensorAdapter{
		sensor: sensor,
		userID: userID,
		emit:   emit,
		opts:   applyOptions(opts),
	}
}

// Start subscribes to the sensor. Calling it again while subscribed is a no-op.
func (a *SensorAdapter) Start() error {
	a.mu.Lock()
	if a.unsubscribe != nil {
		a.mu.Unlock()
		return nil
	}
	a.closed = false
	a.mu.Unlock()

	// The sensor may deliver a reading before Subscribe returns.
	unsubscribe, err := a.sensor.Subscribe(a.onReading)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.unsubscribe = unsubscribe
	a.mu.Unlock()
	return nil
}

func (a *SensorAdapter) onReading(total int) {
	now := a.opts.now()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.latest = total
	a.latestAt = now
	a.mu.Unlock()

	a.emit(domain.Observation{
		Source:     domain.SourceSensor,
		UserID:     a.userID,
		Date:       domain.DateOf(now, a.opts.loc),
		Count:      total,
		ObservedAt: now,
	})
}

// Latest returns the most recent reading and when it arrived.
func (a *SensorAdapter) Latest() (int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.latestAt
}

// Close releases the subscription. It is safe to call more than once.
func (a *SensorAdapter) Close() error {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.closed = true
	a.mu.Unlock()

	if unsubscribe == nil {
		return nil
	}
	if err := unsubscribe(); err != nil {
		a.opts.logger.Debug("sensor unsubscribe failed", zap.Error(err))
		return err
	}
	return nil
}
