package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"FlowWarden/internal/events"
)

const namespace = "flowwarden"

// DNS message outcomes.
const (
	DNSApplied   = "applied"
	DNSMalformed = "malformed"
	DNSIgnored   = "ignored"
	DNSDropped   = "dropped"
)

// Metrics owns a private Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	flows           *prometheus.CounterVec
	events          *prometheus.CounterVec
	dnsMessages     *prometheus.CounterVec
	factoryFailures prometheus.Counter
	sinkFlows       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_total",
				Help:      "Total number of flow decisions",
			},
			[]string{"decision"}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of published events",
			},
			[]string{"kind"}),
		dnsMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dns_messages_total",
				Help:      "Total number of DNS payloads by outcome",
			},
			[]string{"result"}),
		factoryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "factory_failures_total",
				Help:      "Total number of flow requests that could not be built and were allowed",
			}),
		sinkFlows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_flows_total",
				Help:      "Total number of closed flows handed to writers",
			},
			[]string{"writer", "result"}),
	}
	m.registry.MustRegister(m.flows, m.events, m.dnsMessages, m.factoryFailures, m.sinkFlows)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
}

// Handle counts bus events.
func (m *Metrics) Handle(e events.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(e.Kind().String()).Inc()
	switch ev := e.(type) {
	case events.NewAllowedFlow:
		m.flows.WithLabelValues(ev.Flow.Decision.String()).Inc()
	case events.NewDeniedFlow:
		m.flows.WithLabelValues(ev.Flow.Decision.String()).Inc()
	case events.NewDeferredFlow:
		m.flows.WithLabelValues(ev.Flow.Decision.String()).Inc()
	}
}

func (m *Metrics) DNSMessage(result string) {
	if m == nil {
		return
	}
	m.dnsMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) FactoryFailure() {
	if m == nil {
		return
	}
	m.factoryFailures.Inc()
}

func (m *Metrics) SinkFlows(writer string, n int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkFlows.WithLabelValues(writer, result).Add(float64(n))
}
