// Package metrics exposes Prometheus instruments for the dialogue engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omnia"

var (
	// extractionAttempts counts recognizer invocations.
	// Labels: method, outcome (hit, empty, error, timeout, missing)
	extractionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extraction",
		Name:      "attempts_total",
		Help:      "Recognizer invocations by method and outcome",
	}, []string{"method", "outcome"})

	// extractionLatency measures recognizer latency.
	// Labels: method
	extractionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "extraction",
		Name:      "latency_seconds",
		Help:      "Recognizer latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"method"})

	// escalations counts failure events that advanced an escalation counter.
	// Labels: kind, exhausted (true, false)
	escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialogue",
		Name:      "escalations_total",
		Help:      "Escalation counter advances by failure kind",
	}, []string{"kind", "exhausted"})

	// constraintOutcomes counts constraint evaluations.
	// Labels: status (ok, violation, error)
	constraintOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "constraint",
		Name:      "evaluations_total",
		Help:      "Constraint evaluations by status",
	}, []string{"status"})

	// dialoguesStarted counts started dialogues.
	dialoguesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialogue",
		Name:      "started_total",
		Help:      "Dialogues started",
	})

	// dialoguesConcluded counts concluded dialogues.
	// Labels: phase (completed, exhausted, abandoned)
	dialoguesConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialogue",
		Name:      "concluded_total",
		Help:      "Dialogues concluded by final phase",
	}, []string{"phase"})
)

// RecordExtractionAttempt records one recognizer invocation.
func RecordExtractionAttempt(method, outcome string, durationSec float64) {
	extractionAttempts.WithLabelValues(method, outcome).Inc()
	extractionLatency.WithLabelValues(method).Observe(durationSec)
}

// RecordEscalation records one escalation counter advance.
func RecordEscalation(kind string, exhausted bool) {
	label := "false"
	if exhausted {
		label = "true"
	}
	escalations.WithLabelValues(kind, label).Inc()
}

// RecordConstraint records one constraint evaluation.
func RecordConstraint(status string) {
	constraintOutcomes.WithLabelValues(status).Inc()
}

// RecordDialogueStarted records a new dialogue.
func RecordDialogueStarted() {
	dialoguesStarted.Inc()
}

// RecordDialogueConcluded records the final phase of a dialogue.
func RecordDialogueConcluded(phase string) {
	dialoguesConcluded.WithLabelValues(phase).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
