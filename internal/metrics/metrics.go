package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

// Registry owns the process metrics. A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	pollCycles     *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	cacheVersion   prometheus.Gauge
	cachedNodes    prometheus.Gauge
	subscribers    prometheus.Gauge
	broadcastsSent *prometheus.CounterVec
	prunedNodes    prometheus.Counter
	forwardErrors  prometheus.Counter
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total",
			Help: "Poll cycles by outcome (ok, partial, failed, cancelled).",
		}, []string{"result"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_fetch_errors_total",
			Help: "Failed upstream requests by cluster and failure kind.",
		}, []string{"cluster", "kind"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_cycle_duration_seconds",
			Help:    "Wall time of one poll cycle from listing to merge.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		cacheVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_version",
			Help: "Current content version of the cluster cache.",
		}),
		cachedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_nodes",
			Help: "Nodes currently held in the cluster cache.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers",
			Help: "Connected realtime subscribers.",
		}),
		broadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_sent_total",
			Help: "Snapshots delivered by subscriber kind (websocket, forwarder, persister).",
		}, []string{"kind"}),
		prunedNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_nodes_total",
			Help: "Nodes evicted from the cache for staleness.",
		}),
		forwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forward_errors_total",
			Help: "Failed snapshot forwards to the upstream backend.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.pollCycles,
		r.fetchErrors,
		r.cycleDuration,
		r.cacheVersion,
		r.cachedNodes,
		r.subscribers,
		r.broadcastsSent,
		r.prunedNodes,
		r.forwardErrors,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ObserveCycle(d time.Duration, result string) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Registry) FetchError(cluster, kind string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(cluster, kind).Inc()
}

func (r *Registry) SetCache(version uint64, nodes int) {
	if r == nil {
		return
	}
	r.cacheVersion.Set(float64(version))
	r.cachedNodes.Set(float64(nodes))
}

func (r *Registry) SubscriberConnected() {
	if r == nil {
		return
	}
	r.subscribers.Inc()
}

func (r *Registry) SubscriberDisconnected() {
	if r == nil {
		return
	}
	r.subscribers.Dec()
}

func (r *Registry) BroadcastSent(kind string) {
	if r == nil {
		return
	}
	r.broadcastsSent.WithLabelValues(kind).Inc()
}

func (r *Registry) Pruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.prunedNodes.Add(float64(n))
}

func (r *Registry) ForwardError() {
	if r == nil {
		return
	}
	r.forwardErrors.Inc()
}
