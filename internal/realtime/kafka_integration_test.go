//go:build integration

package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zaptest"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

func TestKafkaPartnerPushReachesSink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(
		kafka.TopicConfig{Topic: events.TopicDailySteps, NumPartitions: 1, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: events.TopicChallengeChanges, NumPartitions: 1, ReplicationFactor: 1},
	))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "stepsync-integration",
		GroupTopics: []string{events.TopicDailySteps, events.TopicChallengeChanges},
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	sink := &stubSink{}
	consumer := NewConsumer(reader, sink, "me", "partner", WithLogger(zaptest.NewLogger(t)))

	consumerCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(consumerCtx)
	}()

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        events.TopicDailySteps,
		BatchTimeout: 10 * time.Millisecond,
	}
	defer writer.Close()

	payload, err := json.Marshal(events.StepsUpserted{UserID: "partner", Date: "2026-10-15", Count: 5000, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte("partner"),
		Value:   events.Frame(1, payload),
		Headers: []kafka.Header{{Key: events.HeaderEventType, Value: []byte(events.TypeStepsUpserted)}},
	}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.observations) == 1
	}, 60*time.Second, 250*time.Millisecond)

	stop()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, domain.SourcePeerPush, sink.observations[0].Source)
	require.Equal(t, 5000, sink.observations[0].Count)
}
