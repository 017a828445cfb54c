// Package metrics holds the Prometheus collectors for certificate issuance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeIssued  = "issued"
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	issuances     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	renewals      *prometheus.CounterVec
	dnsCleanups   *prometheus.CounterVec
	sweptOrders   prometheus.Counter
	issueSeconds  *prometheus.HistogramVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		issuances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_issuances_total",
			Help: "Issue requests by challenge type and outcome.",
		}, []string{"challenge_type", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_http01_verifications_total",
			Help: "HTTP-01 verification attempts by result.",
		}, []string{"result"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_renewals_total",
			Help: "Renewal requests by challenge type and outcome.",
		}, []string{"challenge_type", "outcome"}),
		dnsCleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_dns_cleanups_total",
			Help: "DNS-01 TXT record removals by result.",
		}, []string{"result"}),
		sweptOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "certforge_pending_orders_swept_total",
			Help: "Pending HTTP-01 orders removed after exceeding their TTL.",
		}),
		issueSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certforge_issue_duration_seconds",
			Help:    "Time spent in Issue by challenge type.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"challenge_type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.issuances, m.verifications, m.renewals, m.dnsCleanups, m.sweptOrders, m.issueSeconds,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The recording methods accept a nil receiver so callers may run without metrics.

func (m *Metrics) ObserveIssue(challengeType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.issuances.WithLabelValues(challengeType, outcome).Inc()
	m.issueSeconds.WithLabelValues(challengeType).Observe(seconds)
}

func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRenewal(challengeType, outcome string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(challengeType, outcome).Inc()
}

func (m *Metrics) ObserveDNSCleanup(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.dnsCleanups.WithLabelValues(result).Inc()
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptOrders.Add(float64(n))
}
