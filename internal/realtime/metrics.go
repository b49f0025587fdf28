package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "realtime",
		Name:      "records_processed_total",
		Help:      "Change-feed records handed to the engine.",
	}, []string{"topic", "event_type"})

	decodeFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "realtime",
		Name:      "records_dropped_total",
		Help:      "Change-feed records that could not be decoded and were skipped.",
	}, []string{"topic"})

	lastRecordGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepsync",
		Subsystem: "realtime",
		Name:      "last_record_timestamp_seconds",
		Help:      "Timestamp of the most recent change-feed record processed.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, decodeFailureCounter, lastRecordGauge)
}

func recordProcessed(topic, eventType string, at time.Time) {
	processedCounter.WithLabelValues(topic, eventType).Inc()
	if !at.IsZero() {
		lastRecordGauge.WithLabelValues(topic).Set(float64(at.Unix()))
	}
}

func recordDecodeFailure(topic string) {
	decodeFailureCounter.WithLabelValues(topic).Inc()
}
