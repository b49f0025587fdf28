package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

var (
	observationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "engine",
		Name:      "observations_total",
		Help:      "Observations folded into the store, by source and whether they changed the canonical count.",
	}, []string{"source", "applied"})

	syncCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepsync",
		Subsystem: "engine",
		Name:      "syncs_total",
		Help:      "Ledger upsert decisions and outcomes.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(observationCounter, syncCounter)
}

func recordObservation(source domain.Source, applied bool) {
	observationCounter.WithLabelValues(string(source), strconv.FormatBool(applied)).Inc()
}

func recordSync(result string) {
	syncCounter.WithLabelValues(result).Inc()
}
