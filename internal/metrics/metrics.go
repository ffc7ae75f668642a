package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edge"

// Registry holds the server metrics on a private prometheus registry. A nil
// *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	listeners       prometheus.Gauge
	reloads         *prometheus.CounterVec
	generation      prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served, by virtual host, route, method and status.",
		}, []string{"host", "route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to the last response byte.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host", "route"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream attempts, by upstream and failure kind.",
		}, []string{"upstream", "kind"}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_listeners",
			Help:      "Listening sockets currently accepting connections.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, by result.",
		}, []string{"result"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_generation",
			Help:      "ID of the routing generation currently serving requests.",
		}),
	}
	r.reg.MustRegister(
		r.requests,
		r.requestDuration,
		r.upstreamErrors,
		r.listeners,
		r.reloads,
		r.generation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) ObserveRequest(host, route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(host, route, method, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(host, route).Observe(d.Seconds())
}

func (r *Registry) IncUpstreamError(upstream, kind string) {
	if r == nil {
		return
	}
	r.upstreamErrors.WithLabelValues(upstream, kind).Inc()
}

func (r *Registry) SetActiveListeners(n int) {
	if r == nil {
		return
	}
	r.listeners.Set(float64(n))
}

// Reload results.
const (
	ReloadApplied  = "applied"
	ReloadRejected = "rejected"
	ReloadFailed   = "failed" // read/parse retries exhausted or listener bind failure
	// ReloadDegraded: published, but a listener could not be re-bound.
	ReloadDegraded = "degraded"
)

func (r *Registry) IncReload(result string) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(result).Inc()
}

func (r *Registry) SetGeneration(id uint64) {
	if r == nil {
		return
	}
	r.generation.Set(float64(id))
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
