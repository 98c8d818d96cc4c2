// Package metrics exposes settlement counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "operatorkit"

// Metrics holds the counters recorded along the settlement path
type Metrics struct {
	WebhookEvents   *prometheus.CounterVec
	Commissions     *prometheus.CounterVec
	Reversals       *prometheus.CounterVec
	AffiliatePauses *prometheus.CounterVec
	CodesIssued     *prometheus.CounterVec
	EmailFailures   prometheus.Counter
	ClearedEntries  prometheus.Counter
}

// New registers the counters with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		Commissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commissions_total",
			Help:      "Checkout commission decisions by outcome.",
		}, []string{"outcome"}),
		Reversals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reversals_total",
			Help:      "Ledger entries reversed, by reason.",
		}, []string{"reason"}),
		AffiliatePauses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affiliate",
			Name:      "pauses_total",
			Help:      "Affiliates paused, by reason.",
		}, []string{"reason"}),
		CodesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codes",
			Name:      "issued_total",
			Help:      "Unlock codes bound to checkouts, by scheme.",
		}, []string{"scheme"}),
		EmailFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "email",
			Name:      "receipt_failures_total",
			Help:      "Receipt emails that could not be delivered after commit.",
		}),
		ClearedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cleared_total",
			Help:      "Ledger entries cleared by the sweep.",
		}),
	}
}

// NewNop returns metrics registered on a private registry, for tests and tools
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
