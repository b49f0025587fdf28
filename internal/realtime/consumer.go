// Package realtime merges the remote ledger's change feed into the local
// engine: the local user's own echoes and the partner's pushes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

// Reader describes the kafka.Reader functions the consumer uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Sink receives decoded feed events.
type Sink interface {
	Submit(ctx context.Context, obs domain.Observation) error
	MirrorChallenge(ctx context.Context, evt events.ChallengeStatusChanged) error
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryBackoff bounds the wait between sink retries.
func WithRetryBackoff(min, max time.Duration) Option {
	return func(c *Consumer) {
		if min > 0 && max >= min {
			c.minBackoff, c.maxBackoff = min, max
		}
	}
}

// Consumer routes change-feed records for the local user and partner to a Sink.
type Consumer struct {
	reader      Reader
	sink        Sink
	localUserID string
	partnerID   string
	logger      *zap.Logger
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

// NewConsumer constructs a Consumer. reader may be nil when changes arrive
// only through HandleChange.
func NewConsumer(reader Reader, sink Sink, localUserID, partnerID string, opts ...Option) *Consumer {
	c := &Consumer{
		reader:      reader,
		sink:        sink,
		localUserID: localUserID,
		partnerID:   partnerID,
		logger:      zap.NewNop(),
		minBackoff:  100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errDecode marks records that can never be handled.
var errDecode = errors.New("undecodable change record")

// Run consumes records until ctx is cancelled. Undecodable records are
// committed and counted; a record is committed only after the sink took it.
func (c *Consumer) Run(ctx context.Context) error {
	if c.reader == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Warn("fetch change record failed", zap.Error(err))
			continue
		}

		eventType := headerValue(msg.Headers, events.HeaderEventType)
		if eventType == "" {
			eventType = events.TypeForTopic(msg.Topic)
		}

		err = c.handleWithRetry(ctx, msg, eventType)
		switch {
		case errors.Is(err, errDecode):
			recordDecodeFailure(msg.Topic)
			c.logger.Warn("dropping change record",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		case err != nil:
			// Cancelled while the sink was refusing; leave it uncommitted.
			return err
		default:
			recordProcessed(msg.Topic, eventType, msg.Time)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("commit change record failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message, eventType string) error {
	_, payload, err := events.Unframe(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}

	backoff := c.minBackoff
	for {
		err := c.handle(ctx, eventType, payload)
		if err == nil || errors.Is(err, errDecode) {
			return err
		}
		c.logger.Warn("change sink rejected record",
			zap.String("event_type", eventType),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// HandleChange routes an in-process ledger change.
func (c *Consumer) HandleChange(ctx context.Context, change ledger.Change) error {
	return c.handle(ctx, change.EventType, change.Payload)
}

func (c *Consumer) handle(ctx context.Context, eventType string, payload []byte) error {
	switch eventType {
	case events.TypeStepsUpserted:
		return c.handleSteps(ctx, payload)
	case events.TypeChallengeStatusChanged:
		return c.handleChallenge(ctx, payload)
	default:
		return fmt.Errorf("%w: unknown event type %q", errDecode, eventType)
	}
}

func (c *Consumer) handleSteps(ctx context.Context, payload []byte) error {
	var evt events.StepsUpserted
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	date, err := domain.ParseDate(evt.Date)
	if err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}

	var source domain.Source
	switch evt.UserID {
	case c.localUserID:
		source = domain.SourceRemoteEcho
	case c.partnerID:
		if c.partnerID == "" {
			return nil
		}
		source = domain.SourcePeerPush
	default:
		return nil
	}

	return c.sink.Submit(ctx, domain.Observation{
		Source:     source,
		UserID:     evt.UserID,
		Date:       date,
		Count:      evt.Count,
		ObservedAt: evt.UpdatedAt,
	})
}

func (c *Consumer) handleChallenge(ctx context.Context, payload []byte) error {
	var evt events.ChallengeStatusChanged
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	if evt.ChallengeID == "" {
		return fmt.Errorf("%w: missing challenge_id", errDecode)
	}
	if evt.UserID != c.localUserID && (evt.PartnerID == "" || evt.PartnerID != c.localUserID) {
		return nil
	}
	return c.sink.MirrorChallenge(ctx, evt)
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// ReaderConfig describes a group reader over the change-feed topics.
type ReaderConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// NewKafkaReader opens a consumer-group reader over the configured topics.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{events.TopicDailySteps, events.TopicChallengeChanges}
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
}
