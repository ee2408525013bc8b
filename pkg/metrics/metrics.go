package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	InboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbus_inbox_depth",
			Help: "Number of packets per agent and inbox state",
		},
		[]string{"agent", "state"},
	)

	ReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_receipts_total",
			Help: "Total number of receipts written by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	DeliverErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_deliver_errors_total",
			Help: "Total number of delivery failures by error kind",
		},
		[]string{"kind"},
	)

	// Supervisor metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_claims_total",
			Help: "Total number of claim attempts by agent and result",
		},
		[]string{"agent", "result"},
	)

	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_turn_duration_seconds",
			Help:    "Time taken to run one turn to completion",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"agent"},
	)

	SupersedesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_supersedes_total",
			Help: "Total number of mid-turn supersedes observed",
		},
		[]string{"agent"},
	)

	TurnTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_turn_timeouts_total",
			Help: "Total number of turns aborted on timeout",
		},
		[]string{"agent"},
	)

	FollowUpsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_followups_dispatched_total",
			Help: "Total number of follow-up packets dispatched by agent",
		},
		[]string{"agent"},
	)

	FollowUpsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_followups_rejected_total",
			Help: "Total number of follow-up packets rejected by reason",
		},
		[]string{"agent", "reason"},
	)

	// Rate coordinator metrics
	SemaphoreSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_semaphore_slots_in_use",
			Help: "Number of global semaphore slots currently leased",
		},
	)

	CooldownActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_cooldown_active",
			Help: "Whether the global cooldown record is currently in effect (1) or not (0)",
		},
	)

	CooldownActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_cooldown_activations_total",
			Help: "Total number of times the global cooldown was written, by reason",
		},
		[]string{"reason"},
	)

	// Orchestrator forwarder metrics
	DigestsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_digests_forwarded_total",
			Help: "Total number of digest packets forwarded by target",
		},
		[]string{"target"},
	)

	CoalescedPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_coalesced_packets_total",
			Help: "Total number of observer packets coalesced onto an existing digest",
		},
	)

	ForwardLoopBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_forward_loop_blocked_total",
			Help: "Total number of ORCHESTRATOR_UPDATE completions blocked from forwarding",
		},
	)

	// Observer metrics
	ObserverPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_observer_poll_duration_seconds",
			Help:    "Time taken for one observer poll cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ObserverItemsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_observer_items_emitted_total",
			Help: "Total number of REVIEW_ACTION_REQUIRED packets emitted by source",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(InboxDepth)
	prometheus.MustRegister(ReceiptsTotal)
	prometheus.MustRegister(DeliverErrorsTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(SupersedesTotal)
	prometheus.MustRegister(TurnTimeoutsTotal)
	prometheus.MustRegister(FollowUpsDispatchedTotal)
	prometheus.MustRegister(FollowUpsRejectedTotal)
	prometheus.MustRegister(SemaphoreSlotsInUse)
	prometheus.MustRegister(CooldownActive)
	prometheus.MustRegister(CooldownActivationsTotal)
	prometheus.MustRegister(DigestsForwardedTotal)
	prometheus.MustRegister(CoalescedPacketsTotal)
	prometheus.MustRegister(ForwardLoopBlockedTotal)
	prometheus.MustRegister(ObserverPollDuration)
	prometheus.MustRegister(ObserverItemsEmittedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
