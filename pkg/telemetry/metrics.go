package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Orchestrator ────────────────────────────────────────────────────────────

	CasesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "cases_created_total",
		Help:      "Total cases accepted by CreateTask, labelled by category and priority.",
	}, []string{"category", "priority"})

	CasesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "cases_inflight",
		Help:      "Cases currently held by a handler.",
	}, []string{"category"})

	ActiveCases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "active_cases",
		Help:      "Cases held in the active set.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "queue_depth",
		Help:      "Case ids waiting in the dispatch queue.",
	})

	DispatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent inside a handler per dispatch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"category"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "dispatch_failures_total",
		Help:      "Dispatches that ended the case in FAILED, labelled by reason.",
	}, []string{"category", "reason"})

	CasesRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Subsystem: "orchestrator",
		Name:      "cases_retried_total",
		Help:      "FAILED cases sent back to PENDING.",
	}, []string{"category"})

	// ─── State machine ───────────────────────────────────────────────────────────

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Subsystem: "state_machine",
		Name:      "transitions_total",
		Help:      "Committed state transitions.",
	}, []string{"category", "from", "to"})

	// ─── Portals ─────────────────────────────────────────────────────────────────

	PortalSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Subsystem: "portal",
		Name:      "submissions_total",
		Help:      "Portal submissions, labelled by portal and result.",
	}, []string{"portal", "result"})
)
