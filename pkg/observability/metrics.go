package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login pipeline metrics
	LoginsTotal             *prometheus.CounterVec
	AssertionsRejectedTotal *prometheus.CounterVec
	UsersProvisionedTotal   *prometheus.CounterVec
	LinkRacesLostTotal      *prometheus.CounterVec
	ProvisionMutationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Login outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeRefused = "refused"
	OutcomeError   = "error"
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mellon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_logins_total",
				Help: "SAML logins by issuer and outcome",
			},
			[]string{"issuer", "outcome"},
		),
		AssertionsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_assertions_rejected_total",
				Help: "Assertions rejected before resolution, by reason",
			},
			[]string{"reason"},
		),
		UsersProvisionedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_users_provisioned_total",
				Help: "Users created by just-in-time provisioning",
			},
			[]string{"issuer"},
		),
		LinkRacesLostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_link_races_lost_total",
				Help: "First-login races lost to a concurrent resolution",
			},
			[]string{"issuer"},
		),
		ProvisionMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mellon_provision_mutations_total",
				Help: "Provisioning mutations by kind (field, flags, group)",
			},
			[]string{"kind"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.AssertionsRejectedTotal,
		m.UsersProvisionedTotal,
		m.LinkRacesLostTotal,
		m.ProvisionMutationsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
