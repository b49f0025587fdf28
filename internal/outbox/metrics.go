package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Outbox events published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Outbox events that failed to publish.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stepsync",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent delivering and marking an outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Outbox events routed to the dead-letter table, by topic.",
	}, []string{"topic"})

	dlqProcessedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "dlq",
		Name:      "messages_processed_total",
		Help:      "DLQ entries handled by the manager.",
	}, []string{"topic", "event_type"})

	dlqRequeuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "dlq",
		Name:      "messages_requeued_total",
		Help:      "DLQ entries reinserted into the outbox.",
	}, []string{"topic", "event_type"})

	dlqQuarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "dlq",
		Name:      "messages_quarantined_total",
		Help:      "DLQ entries quarantined after exhausting retries.",
	}, []string{"topic", "event_type"})

	dlqRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "dlq",
		Name:      "retry_scheduled_total",
		Help:      "DLQ entries scheduled for a later retry.",
	}, []string{"topic", "event_type"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepsync",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Entries remaining in the DLQ and not quarantined.",
	})
)

func init() {
	prometheus.MustRegister(
		deliveredCounter, failedCounter, batchDuration, dlqCounter,
		dlqProcessedCounter, dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge,
	)
}

func recordDLQProcessed(e dlqEntry) {
	dlqProcessedCounter.WithLabelValues(e.Topic, e.EventType).Inc()
}

func recordDLQRequeued(e dlqEntry) {
	dlqRequeuedCounter.WithLabelValues(e.Topic, e.EventType).Inc()
}

func recordDLQQuarantined(e dlqEntry) {
	dlqQuarantinedCounter.WithLabelValues(e.Topic, e.EventType).Inc()
}

func recordDLQRetry(e dlqEntry) {
	dlqRetryCounter.WithLabelValues(e.Topic, e.EventType).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}
