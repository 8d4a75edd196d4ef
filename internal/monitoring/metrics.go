// Package monitoring exposes the substrate's Prometheus collectors.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission outcomes, labelled by reason ("accepted" for the happy path).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "engine",
		Name:      "admissions_total",
		Help:      "Action admission attempts by outcome reason.",
	}, []string{"outcome"})

	AdmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ox",
		Subsystem: "engine",
		Name:      "admission_seconds",
		Help:      "Wall-clock time of the admission transaction.",
		Buckets:   prometheus.DefBuckets,
	})

	CognitionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "engine",
		Name:      "cognition_failures_total",
		Help:      "Cognition provider errors swallowed by the engine.",
	})

	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox rows successfully published and deleted.",
	})

	OutboxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "outbox",
		Name:      "failures_total",
		Help:      "Outbox publish attempts that were rescheduled.",
	})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "materializer",
		Name:      "events_consumed_total",
		Help:      "Envelopes consumed by the materializer, by event type.",
	}, []string{"event_type"})

	ProjectionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "materializer",
		Name:      "projection_conflicts_total",
		Help:      "Projection writes skipped by ON CONFLICT (replays).",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "materializer",
		Name:      "dead_letters_total",
		Help:      "Envelopes parked after exhausting retries.",
	})

	ObserverReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "readapi",
		Name:      "reads_total",
		Help:      "Observer reads by endpoint and role.",
	}, []string{"endpoint", "role"})

	PolicyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ox",
		Subsystem: "sponsor",
		Name:      "policy_runs_total",
		Help:      "Policy sweep outcomes.",
	}, []string{"outcome"})
)
