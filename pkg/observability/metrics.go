package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sheaf"

// Metrics groups the collectors recorded by the engine and its transactions.
type Metrics struct {
	batches      *prometheus.CounterVec
	elements     *prometheus.CounterVec
	groups       prometheus.Histogram
	phaseWait    prometheus.Histogram
	transactions *prometheus.CounterVec
	grants       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of batches handled, by overall status",
			},
			[]string{"status"},
		),
		elements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_elements_total",
				Help:      "Total number of batch elements settled, by verb and status",
			},
			[]string{"verb", "status"},
		),
		groups: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_group_duration_seconds",
				Help:      "Time taken to settle one group of batch elements",
				Buckets:   prometheus.DefBuckets,
			},
		),
		phaseWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_phase_wait_seconds",
				Help:      "Time a handler waited for its turn to enter a resource phase",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of terminated transactions, by outcome",
			},
			[]string{"outcome"},
		),
		grants: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_granted_width",
				Help:      "Concurrency granted to a batch by the admission gate",
				Buckets:   prometheus.LinearBuckets(1, 2, 8),
			},
		),
	}

	reg.MustRegister(m.batches, m.elements, m.groups, m.phaseWait, m.transactions, m.grants)
	return m
}

// ObserveBatch counts a finished batch by its overall status.
func (m *Metrics) ObserveBatch(status int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveElement counts one settled element.
func (m *Metrics) ObserveElement(verb string, status int) {
	if m == nil {
		return
	}
	m.elements.WithLabelValues(verb, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveGroup(d time.Duration) {
	if m == nil {
		return
	}
	m.groups.Observe(d.Seconds())
}

func (m *Metrics) ObservePhaseWait(d time.Duration) {
	if m == nil {
		return
	}
	m.phaseWait.Observe(d.Seconds())
}

// ObserveTransaction counts a transaction outcome ("committed", "rolled_back").
func (m *Metrics) ObserveTransaction(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGrant(granted int) {
	if m == nil {
		return
	}
	m.grants.Observe(float64(granted))
}
