package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "natsbind"
	metricsSubsystem = "pipeline"
)

// Delivery outcomes used as metric label values.
const (
	OutcomeAck        = "ack"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDropped    = "dropped"
	OutcomeRejected   = "circuit_open"
)

// Metrics exposes delivery pipeline counters and gauges via Prometheus.
type Metrics struct {
	publishedTotal  *prometheus.CounterVec
	deliveredTotal  *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	handlerSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the pipeline metric set and registers it. A nil
// registerer uses the default one. Re-registration of identical collectors is
// tolerated so multiple engines in one process can share a registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		publishedTotal: newPipelineCounterVec(
			"published_total",
			"Outbound envelopes published, by subject and delivery guarantee.",
			[]string{"subject", "guarantee"},
		),
		deliveredTotal: newPipelineCounterVec(
			"delivered_total",
			"Inbound deliveries processed, by subject and outcome.",
			[]string{"subject", "outcome"},
		),
		deadLetterTotal: newPipelineCounterVec(
			"dead_lettered_total",
			"Messages routed to a dead-letter subject, by origin subject.",
			[]string{"subject"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
			},
			[]string{"subject"},
		),
		handlerSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time per endpoint.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subject"},
		),
		registerer: registerer,
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.deadLetterTotal,
		m.breakerState,
		m.handlerSeconds,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *Metrics) observePublish(subject, guarantee string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(subject, guarantee).Inc()
}

func (m *Metrics) observeDelivery(subject, outcome string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(subject, outcome).Inc()
}

func (m *Metrics) observeDeadLetter(subject string) {
	if m == nil {
		return
	}
	m.deadLetterTotal.WithLabelValues(subject).Inc()
}

func (m *Metrics) observeBreakerState(subject string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(subject).Set(state)
}

func (m *Metrics) observeHandlerDuration(subject string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerSeconds.WithLabelValues(subject).Observe(seconds)
}
