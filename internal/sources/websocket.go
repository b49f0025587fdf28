package sources

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type sensorFrame struct {
	TotalStepsToday *int `json:"total_steps_today"`
}

// WebsocketSensor reads step totals from a device bridge that streams
// {"total_steps_today": n} frames, reconnecting with capped backoff.
type WebsocketSensor struct {
	url        string
	dialer     *websocket.Dialer
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	active bool
}

// NewWebsocketSensor constructs a sensor for the bridge at url.
func NewWebsocketSensor(url string, opts ...Option) *WebsocketSensor {
	o := applyOptions(opts)
	return &WebsocketSensor{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     o.logger.With(zap.String("component", "sensor-bridge")),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Subscribe starts streaming readings to fn until the returned Unsubscribe is
// called. Only one subscription may be active at a time.
func (s *WebsocketSensor) Subscribe(fn func(totalStepsToday int)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s.active = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.connectLoop(ctx, fn)
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			cancel()
			<-done
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		})
		return nil
	}, nil
}

func (s *WebsocketSensor) connectLoop(ctx context.Context, fn func(int)) {
	backoff := s.minBackoff
	failures := 0

	for {
		err := s.stream(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = s.minBackoff
			failures = 0
		} else {
			failures++
			if failures == 3 {
				s.logger.Warn("sensor bridge unavailable, retrying less often", zap.Error(err))
			} else {
				s.logger.Debug("sensor bridge connection failed", zap.Int("failures", failures), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// stream reads frames until the connection drops. It returns nil when the
// connection had been established and later closed.
func (s *WebsocketSensor) stream(ctx context.Context, fn func(int)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var frame sensorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("skipping malformed sensor frame", zap.Error(err))
			continue
		}
		if frame.TotalStepsToday == nil {
			continue
		}
		fn(*frame.TotalStepsToday)
	}
}
