package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rconbridge-go/internal/rcon"
)

const namespace = "rconbridge"

// Exporter publishes snapshots, request outcomes and alerts as Prometheus
// metrics on its own registry.
type Exporter struct {
	registry *prometheus.Registry

	connected       *prometheus.GaugeVec
	ups             *prometheus.GaugeVec
	players         *prometheus.GaugeVec
	evolution       *prometheus.GaugeVec
	pollFailures    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	alerts          *prometheus.CounterVec
}

// NewExporter creates an exporter. withRuntime adds the Go and process collectors.
func NewExporter(withRuntime bool) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connected",
			Help:      "Whether the server had a ready RCON connection at the last poll (1 = connected)",
		}, []string{"server"}),
		ups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ups",
			Help:      "Game updates per second by statistic (instant, sma, ema)",
		}, []string{"server", "stat"}),
		players: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players_online",
			Help:      "Players online at the last poll",
		}, []string{"server"}),
		evolution: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evolution_factor",
			Help:      "Enemy evolution factor at the last poll",
		}, []string{"server"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_poll_failures_total",
			Help:      "Metric reads that failed or could not be parsed",
		}, []string{"server", "metric"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rcon_requests_total",
			Help:      "RCON commands by outcome",
		}, []string{"server", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rcon_request_duration_seconds",
			Help:      "RCON command round-trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"server"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Connectivity alerts raised by target state",
		}, []string{"server", "state"}),
	}

	e.registry.MustRegister(
		e.connected, e.ups, e.players, e.evolution,
		e.pollFailures, e.requests, e.requestDuration, e.alerts,
	)
	if withRuntime {
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return e
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// ObserveSnapshot updates the per-server gauges. Absent fields are removed so
// stale values are not scraped.
func (e *Exporter) ObserveSnapshot(serverTag string, s Snapshot) {
	if s.Connected {
		e.connected.WithLabelValues(serverTag).Set(1)
	} else {
		e.connected.WithLabelValues(serverTag).Set(0)
	}

	setOrDelete := func(g *prometheus.GaugeVec, v *float64, labels ...string) {
		if v == nil {
			g.DeleteLabelValues(labels...)
			return
		}
		g.WithLabelValues(labels...).Set(*v)
	}
	setOrDelete(e.ups, s.UPSInstant, serverTag, "instant")
	setOrDelete(e.ups, s.UPSSMA, serverTag, "sma")
	setOrDelete(e.ups, s.UPSEMA, serverTag, "ema")
	setOrDelete(e.evolution, s.EvolutionFactor, serverTag)
	if s.PlayerCount == nil {
		e.players.DeleteLabelValues(serverTag)
	} else {
		e.players.WithLabelValues(serverTag).Set(float64(*s.PlayerCount))
	}
}

// ObservePollFailure counts one failed metric read.
func (e *Exporter) ObservePollFailure(serverTag, metric string) {
	e.pollFailures.WithLabelValues(serverTag, metric).Inc()
}

// ObserveAlert counts one alert.
func (e *Exporter) ObserveAlert(serverTag, toState string) {
	e.alerts.WithLabelValues(serverTag, toState).Inc()
}

// Forget drops every series for serverTag.
func (e *Exporter) Forget(serverTag string) {
	labels := prometheus.Labels{"server": serverTag}
	e.connected.DeletePartialMatch(labels)
	e.ups.DeletePartialMatch(labels)
	e.players.DeletePartialMatch(labels)
	e.evolution.DeletePartialMatch(labels)
	e.pollFailures.DeletePartialMatch(labels)
	e.requests.DeletePartialMatch(labels)
	e.requestDuration.DeletePartialMatch(labels)
	e.alerts.DeletePartialMatch(labels)
}

// ForServer returns an rcon.Tracer feeding the request counter and latency histogram.
func (e *Exporter) ForServer(serverTag string) rcon.Tracer {
	return &requestRecorder{e: e, serverTag: serverTag}
}

type requestRecorder struct {
	e         *Exporter
	serverTag string
}

func (r *requestRecorder) TraceCommand(int32, string) {}

func (r *requestRecorder) TraceResponse(_ int32, _, _ string, elapsed time.Duration) {
	r.e.requests.WithLabelValues(r.serverTag, "ok").Inc()
	r.e.requestDuration.WithLabelValues(r.serverTag).Observe(elapsed.Seconds())
}

func (r *requestRecorder) TraceError(_ int32, _ string, err error, elapsed time.Duration) {
	r.e.requests.WithLabelValues(r.serverTag, resultLabel(err)).Inc()
	r.e.requestDuration.WithLabelValues(r.serverTag).Observe(elapsed.Seconds())
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, rcon.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, rcon.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, rcon.ErrProtocol):
		return "protocol_error"
	default:
		return "error"
	}
}
