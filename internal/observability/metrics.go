package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llm_router"

// Metrics holds the gateway's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	commands         *prometheus.CounterVec
	spend            *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	registryVersion  prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry that also carries Go and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by served target and reason",
		}, []string{"target", "reason"}),
		decisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_decision_seconds",
			Help:      "Time spent selecting candidates, excluding provider calls",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome",
		}, []string{"provider", "success"}),
		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per provider: 0 closed, 1 open, 2 half-open",
		}, []string{"provider"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions",
		}, []string{"provider", "from", "to"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched commands by outcome",
		}, []string{"outcome"}),
		spend: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_dollars_total",
			Help:      "Accumulated spend per provider",
		}, []string{"provider"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens per provider and direction",
		}, []string{"provider", "direction"}),
		registryVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_version",
			Help:      "Version of the committed provider registry snapshot",
		}),
	}
}

// Registry returns the prometheus registry to expose
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTP records one served HTTP request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveDecision records a routing decision
func (m *Metrics) ObserveDecision(target, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(target, reason).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

// ObserveProviderCall records one adapter call
func (m *Metrics) ObserveProviderCall(providerID string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(providerID, strconv.FormatBool(success)).Inc()
	m.providerLatency.WithLabelValues(providerID).Observe(latency.Seconds())
}

// SetCircuitState publishes a provider's circuit state as a number
func (m *Metrics) SetCircuitState(providerID string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(providerID).Set(float64(state))
}

// ObserveTransition counts a circuit transition and updates the state gauge
func (m *Metrics) ObserveTransition(providerID, from, to string, state int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(providerID, from, to).Inc()
	m.circuitState.WithLabelValues(providerID).Set(float64(state))
}

// ForgetProvider drops per-provider series after a provider leaves the registry
func (m *Metrics) ForgetProvider(providerID string) {
	if m == nil {
		return
	}
	m.circuitState.DeleteLabelValues(providerID)
}

// ObserveCommand counts a dispatched command
func (m *Metrics) ObserveCommand(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// ObserveUsage adds one usage record's tokens and spend
func (m *Metrics) ObserveUsage(providerID string, input, output int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(providerID, "input").Add(float64(input))
	m.tokens.WithLabelValues(providerID, "output").Add(float64(output))
	if cost > 0 {
		m.spend.WithLabelValues(providerID).Add(cost)
	}
}

// SetRegistryVersion publishes the committed registry version
func (m *Metrics) SetRegistryVersion(v uint64) {
	if m == nil {
		return
	}
	m.registryVersion.Set(float64(v))
}
