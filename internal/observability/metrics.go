// Package observability exposes watermark gauges for the step pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	canonicalUpdateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepsync",
		Subsystem: "store",
		Name:      "last_canonical_update_timestamp_seconds",
		Help:      "Unix timestamp of the most recent canonical count change, by user role.",
	}, []string{"role"})
	syncedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepsync",
		Subsystem: "sync",
		Name:      "last_synced_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful ledger upsert.",
	})
)

func init() {
	prometheus.MustRegister(canonicalUpdateGauge, syncedGauge)
}

// RecordCanonicalUpdate updates the store watermark for role ("local" or "partner").
func RecordCanonicalUpdate(role string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	canonicalUpdateGauge.WithLabelValues(role).Set(float64(ts.Unix()))
}

// RecordSynced updates the sync watermark.
func RecordSynced(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncedGauge.Set(float64(ts.Unix()))
}
