package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the booking service.
type Metrics struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec
	guardRejected     *prometheus.CounterVec
	slotConflicts     prometheus.Counter

	outboxDelivered *prometheus.CounterVec
	outboxPending   prometheus.Gauge

	sweepRuns  *prometheus.CounterVec
	sweepItems *prometheus.CounterVec

	webhooks *prometheus.CounterVec
}

// New creates a metrics registry and registers booking metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Total number of committed booking status transitions.",
	}, []string{"from", "to"})

	transitionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_operation_latency_seconds",
		Help:    "Latency of orchestrator operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	guardRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_guard_rejected_total",
		Help: "Total number of operations rejected by a guard.",
	}, []string{"code"})

	slotConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booking_slot_lock_conflicts_total",
		Help: "Total number of slot lock acquisitions that lost to another holder.",
	})

	outboxDelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_outbox_deliveries_total",
		Help: "Outbox delivery attempts by kind and result.",
	}, []string{"kind", "result"})

	outboxPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "booking_outbox_pending",
		Help: "Current number of pending outbox effects.",
	})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_sweep_runs_total",
		Help: "Sweep job runs by job and result.",
	}, []string{"job", "result"})

	sweepItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_sweep_items_total",
		Help: "Items processed by sweep jobs.",
	}, []string{"job", "result"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_payment_webhooks_total",
		Help: "Payment webhooks by event and result.",
	}, []string{"event", "result"})

	registry.MustRegister(transitions, transitionLatency, guardRejected, slotConflicts,
		outboxDelivered, outboxPending, sweepRuns, sweepItems, webhooks)

	return &Metrics{
		registry:          registry,
		transitions:       transitions,
		transitionLatency: transitionLatency,
		guardRejected:     guardRejected,
		slotConflicts:     slotConflicts,
		outboxDelivered:   outboxDelivered,
		outboxPending:     outboxPending,
		sweepRuns:         sweepRuns,
		sweepItems:        sweepItems,
		webhooks:          webhooks,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	m.transitionLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncGuardRejected(code string) {
	m.guardRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) IncSlotConflict() {
	m.slotConflicts.Inc()
}

// IncOutbox result 为 delivered / retry / dead / replay
func (m *Metrics) IncOutbox(kind, result string) {
	m.outboxDelivered.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	m.outboxPending.Set(float64(n))
}

func (m *Metrics) IncSweepRun(job, result string) {
	m.sweepRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) AddSweepItems(job, result string, n int) {
	if n <= 0 {
		return
	}
	m.sweepItems.WithLabelValues(job, result).Add(float64(n))
}

func (m *Metrics) IncWebhook(event, result string) {
	m.webhooks.WithLabelValues(event, result).Inc()
}
