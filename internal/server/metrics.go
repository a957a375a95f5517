package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry       *prometheus.Registry
	httpRequests   *prometheus.CounterVec
	actionRequests *prometheus.CounterVec
	proposals      *prometheus.CounterVec
	sessions       prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_action_requests_total",
		Help: "Action requests by result",
	}, []string{"result"})

	proposals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_proposals_total",
		Help: "Proposal requests by result",
	}, []string{"result"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_sessions_tracked",
		Help: "Reconciliation sessions currently retained for lookup",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(
		httpRequests, actions, proposals, sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &metricsRegistry{
		registry:       r,
		httpRequests:   httpRequests,
		actionRequests: actions,
		proposals:      proposals,
		sessions:       sessions,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incHTTP(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *metricsRegistry) incAction(result string) {
	m.actionRequests.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incProposal(result string) {
	m.proposals.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setSessions(n int) {
	m.sessions.Set(float64(n))
}
