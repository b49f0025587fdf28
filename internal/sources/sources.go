// Package sources adapts the device step sensor and the platform health
// service into step observations.
package sources

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

var (
	// ErrPermissionDenied is returned when the health service refuses access.
	ErrPermissionDenied = errors.New("health data permission denied")
	// ErrUnavailable is returned when a source cannot be reached or has no data.
	ErrUnavailable = errors.New("step source unavailable")
	// ErrAlreadySubscribed is returned when a sensor already has a listener.
	ErrAlreadySubscribed = errors.New("sensor already subscribed")
)

// Emit receives observations produced by an adapter.
type Emit func(domain.Observation)

type options struct {
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		now:    time.Now,
		loc:    time.Local,
	}
}

// Option configures an adapter.
type Option func(*options)

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocation sets the time zone that defines a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
