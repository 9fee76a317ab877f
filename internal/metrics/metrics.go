// Package metrics exposes prometheus counters for reconciliation and
// delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's collectors.
type Metrics struct {
	reg *prometheus.Registry

	reconciled      *prometheus.CounterVec
	rejected        prometheus.Counter
	sendAttempts    prometheus.Counter
	sendResults     *prometheus.CounterVec
	sendDuration    prometheus.Histogram
	sessionsArchive prometheus.Counter
	distributions   prometheus.Counter
	pipeFallbacks   prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ufsrv_reconcile_outcomes_total",
			Help: "Fence commands reconciled, by outcome.",
		}, []string{"command", "outcome"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "ufsrv_reconcile_rejected_total",
			Help: "Envelopes dropped because they could not be decoded.",
		}),
		sendAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "ufsrv_send_attempts_total",
			Help: "Individual transmit attempts, including retries.",
		}),
		sendResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ufsrv_send_results_total",
			Help: "Per-recipient send results, by kind.",
		}, []string{"result"}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ufsrv_send_duration_seconds",
			Help:    "Time to deliver to one recipient.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		sessionsArchive: f.NewCounter(prometheus.CounterOpts{
			Name: "ufsrv_sessions_archived_total",
			Help: "Device sessions archived after topology drift.",
		}),
		distributions: f.NewCounter(prometheus.CounterOpts{
			Name: "ufsrv_sender_key_distributions_total",
			Help: "Sender key distribution messages delivered.",
		}),
		pipeFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "ufsrv_pipe_fallbacks_total",
			Help: "Requests sent over REST because the pipe was unavailable.",
		}),
	}
}

// Registry returns the registry holding the collectors, for use with
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Reconciled(command, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) SendAttempt() {
	if m == nil {
		return
	}
	m.sendAttempts.Inc()
}

func (m *Metrics) SendResult(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendResults.WithLabelValues(result).Inc()
	if d > 0 {
		m.sendDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SessionArchived() {
	if m == nil {
		return
	}
	m.sessionsArchive.Inc()
}

func (m *Metrics) DistributionSent(n int) {
	if m == nil {
		return
	}
	m.distributions.Add(float64(n))
}

func (m *Metrics) PipeFallback() {
	if m == nil {
		return
	}
	m.pipeFallbacks.Inc()
}
