package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/AdnanHimself/couple-steps-sub000/pkg/events"
)

func TestDeliverGroupsByTopicAndCachesSchemaIDs(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 7}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	payload, err := json.Marshal(events.StepsUpserted{UserID: "u1", Date: "2026-10-15", Count: 4200})
	require.NoError(t, err)

	messages := []Message{
		{EventID: 1, EventType: events.TypeStepsUpserted, Topic: events.TopicDailySteps, SchemaSubject: events.TopicDailySteps + "-value", PartitionKey: "u1", Payload: payload},
		{EventID: 2, EventType: events.TypeStepsUpserted, Topic: events.TopicDailySteps, SchemaSubject: events.TopicDailySteps + "-value", PartitionKey: "u1", Payload: payload},
		{EventID: 3, EventType: events.TypeChallengeStatusChanged, Topic: events.TopicChallengeChanges, SchemaSubject: events.TopicChallengeChanges + "-value", PartitionKey: "c1", Payload: json.RawMessage(`{}`)},
	}
	require.NoError(t, d.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 2)
	require.Equal(t, events.TopicDailySteps, producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, events.TopicChallengeChanges, producer.writes[1].topic)

	id, body, err := events.Unframe(producer.writes[0].messages[0].Value)
	require.NoError(t, err)
	require.Equal(t, 7, id)
	require.JSONEq(t, string(payload), string(body))
	require.Equal(t, []byte("u1"), producer.writes[0].messages[0].Key)

	// one registry call per subject
	require.Len(t, registry.calls, 2)
}

func TestDeliverRejectsUnknownEventType(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	err := d.deliver(context.Background(), []Message{{EventID: 1, EventType: "steps.unknown", Topic: "t"}})
	require.ErrorContains(t, err, "no schema metadata for event_type=steps.unknown")
	require.Empty(t, registry.calls)
	require.Empty(t, producer.writes)
}

func TestDeliverPropagatesProducerError(t *testing.T) {
	producer := &stubProducer{err: errors.New("broker down")}
	d := NewDispatcher(nil, producer, &stubRegistry{}, time.Second, 10)

	err := d.deliver(context.Background(), []Message{{EventID: 1, EventType: events.TypeStepsUpserted, Topic: events.TopicDailySteps, SchemaSubject: "s", Payload: json.RawMessage(`{}`)}})
	require.ErrorContains(t, err, "broker down")
}

func TestSchemaRegistryRegistersMissingSubject(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/daily_steps_changes-value/versions":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			registered = body["schemaType"]
			_, _ = w.Write([]byte(`{"id":11}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), events.TopicDailySteps + "-value", stepsUpsertedSchema)
	require.NoError(t, err)
	require.Equal(t, 11, id)
	require.Equal(t, "JSON", registered)
}

func TestSchemaRegistrySurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "500")
}

func TestBackoffDelayIsCapped(t *testing.T) {
	m := NewDLQManager(nil, 0, 0)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(10))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subject)
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
