// Package metrics exposes Prometheus instruments for the request pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	// ResultStale marks a replay that reused a token renewed by an earlier
	// renewal instead of starting a new one.
	ResultStale = "stale"
)

// Metrics holds the renewal and replay instruments.
type Metrics struct {
	renewals *prometheus.CounterVec
	replays  *prometheus.CounterVec
	waiters  prometheus.Gauge
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribeclient",
			Name:      "renewals_total",
			Help:      "Access token renewals, by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tribeclient",
			Name:      "replays_total",
			Help:      "Requests replayed after a 401, by result.",
		}, []string{"result"}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tribeclient",
			Name:      "renewal_waiters",
			Help:      "Callers waiting on the in-flight renewal.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.renewals, m.replays, m.waiters)
	}
	return m
}

// IncRenewal counts a finished renewal with result.
func (m *Metrics) IncRenewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

// IncReplay counts a rejected request that was, or could not be, replayed.
func (m *Metrics) IncReplay(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}

// SetWaiters records how many callers wait on the in-flight renewal.
func (m *Metrics) SetWaiters(n int) {
	if m == nil {
		return
	}
	m.waiters.Set(float64(n))
}
