package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/sources"
)

// Feed is a change-feed consumer bound to a session.
type Feed interface {
	Run(ctx context.Context) error
}

// SessionConfig lists the collaborators a session starts. Nil collaborators
// are skipped.
type SessionConfig struct {
	Sensor         sources.SensorCapability
	Health         sources.HealthCapability
	HealthInterval time.Duration
	Feed           Feed
}

// Session scopes the sensor subscription, the health poller and the change
// feed to one signed-in user. All three stop together on Close.
type Session struct {
	ID string

	engine *Engine
	cancel context.CancelFunc
	sensor *sources.SensorAdapter
	health *sources.HealthAdapter

	feedDone chan struct{}
	feedErr  error

	closeOnce sync.Once
	closeErr  error
}

// OpenSession resets the throttle, hydrates the store and challenges from the
// ledger, then starts the change feed, the health poller and the sensor. If
// any step fails, whatever was already started is released before returning.
func (e *Engine) OpenSession(ctx context.Context, cfg SessionConfig) (_ *Session, err error) {
	e.mu.Lock()
	runCtx, running := e.runCtx, e.running
	e.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	sessionCtx, cancel := context.WithCancel(runCtx)
	s := &Session{
		ID:     uuid.NewString(),
		engine: e,
		cancel: cancel,
	}
	logger := e.logger.With(zap.String("session_id", s.ID))

	defer func() {
		if err != nil {
			if closeErr := s.Close(); closeErr != nil {
				logger.Debug("release after failed session setup", zap.Error(closeErr))
			}
		}
	}()

	if err := e.ResetThrottle(ctx); err != nil {
		return nil, err
	}
	// The ledger may be unreachable; the session still runs on local sources.
	if err := e.Hydrate(ctx); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil, err
		}
		logger.Warn("hydrate from ledger failed", zap.Error(err))
	}
	if e.machine != nil {
		if err := e.machine.Load(ctx); err != nil {
			logger.Warn("load challenges failed", zap.Error(err))
		}
	}

	emit := func(obs domain.Observation) {
		if err := e.Submit(sessionCtx, obs); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("drop observation", zap.String("source", string(obs.Source)), zap.Error(err))
		}
	}
	adapterOpts := []sources.Option{
		sources.WithLogger(logger),
		sources.WithClock(e.now),
		sources.WithLocation(e.loc),
	}

	if cfg.Feed != nil {
		s.feedDone = make(chan struct{})
		go func() {
			defer close(s.feedDone)
			if err := cfg.Feed.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.feedErr = err
				logger.Warn("change feed stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Health != nil {
		s.health = sources.NewHealthAdapter(cfg.Health, e.store.LocalUserID(), cfg.HealthInterval, emit, adapterOpts...)
		if err := s.health.Start(sessionCtx); err != nil {
			return nil, fmt.Errorf("start health poller: %w", err)
		}
	}

	if cfg.Sensor != nil {
		s.sensor = sources.NewSensorAdapter(cfg.Sensor, e.store.LocalUserID(), emit, adapterOpts...)
		if err := s.sensor.Start(); err != nil {
			if !errors.Is(err, sources.ErrUnavailable) {
				return nil, fmt.Errorf("subscribe sensor: %w", err)
			}
			// Missing sensor: the health poller and manual steps still work.
			logger.Info("sensor unavailable, continuing without it", zap.Error(err))
			s.sensor = nil
		}
	}

	logger.Info("session opened")
	return s, nil
}

// Sensor returns the session's sensor adapter, or nil when none is attached.
func (s *Session) Sensor() *sources.SensorAdapter { return s.sensor }

// Close stops the sensor, the health poller and the change feed, and joins
// their errors. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		var errs []error
		if s.sensor != nil {
			if err := s.sensor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sensor: %w", err))
			}
		}
		if s.health != nil {
			s.health.Stop()
		}
		if s.feedDone != nil {
			<-s.feedDone
			if s.feedErr != nil {
				errs = append(errs, fmt.Errorf("change feed: %w", s.feedErr))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.engine.logger.Info("session closed", zap.String("session_id", s.ID))
	})
	return s.closeErr
}
