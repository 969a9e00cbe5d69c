package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the monitor's collectors. Each instance registers on its own
// registerer so tests can use a private registry.
type Metrics struct {
	Observations  *prometheus.CounterVec
	FetchErrors   *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	Completions   *prometheus.CounterVec
	ActionLatency prometheus.Histogram
	State         prometheus.Gauge
	DeltaBps      prometheus.Gauge
	Rate          *prometheus.GaugeVec
}

// New constructs and registers the collectors. A nil registerer skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autolend_observations_total",
			Help: "Rate observations by slot and store verdict",
		}, []string{"slot", "status"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autolend_source_fetch_errors_total",
			Help: "Failed polls per source slot",
		}, []string{"slot"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autolend_decisions_total",
			Help: "State machine decisions by kind",
		}, []string{"kind"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autolend_completions_total",
			Help: "Action completions by outcome",
		}, []string{"outcome"}),
		ActionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autolend_action_seconds",
			Help:    "Time from intent emission to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autolend_pending",
			Help: "1 while an intent is in flight",
		}),
		DeltaBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autolend_delta_bps",
			Help: "Last evaluated yield delta in basis points",
		}),
		Rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autolend_rate",
			Help: "Latest accepted rate per slot, scaled to a decimal",
		}, []string{"slot"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Observations,
			m.FetchErrors,
			m.Decisions,
			m.Completions,
			m.ActionLatency,
			m.State,
			m.DeltaBps,
			m.Rate,
		)
	}
	return m
}

// ObserveFetchError counts a failed poll.
func (m *Metrics) ObserveFetchError(slot string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(slot).Inc()
}

// ObserveObservation counts an observation with its verdict (accepted, stale, invalid).
func (m *Metrics) ObserveObservation(slot, status string) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(slot, status).Inc()
}

// ObserveDecision counts a decision and refreshes the state gauge.
func (m *Metrics) ObserveDecision(kind string, pending bool) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind).Inc()
	if pending {
		m.State.Set(1)
	} else {
		m.State.Set(0)
	}
}

// ObserveCompletion counts an outcome and its latency.
func (m *Metrics) ObserveCompletion(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.ActionLatency.Observe(elapsed.Seconds())
	}
}

// SetDeltaBps records the last evaluated delta.
func (m *Metrics) SetDeltaBps(v uint64) {
	if m == nil {
		return
	}
	m.DeltaBps.Set(float64(v))
}

// SetRate records the latest accepted rate for a slot.
func (m *Metrics) SetRate(slot string, v float64) {
	if m == nil {
		return
	}
	m.Rate.WithLabelValues(slot).Set(v)
}
