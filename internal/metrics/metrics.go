// Package metrics exposes Prometheus collectors for the shard runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector this process exports.
type Registry struct {
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	GamesActive        prometheus.Gauge
	GamesCreated       prometheus.Counter
	CompilesTotal      prometheus.CounterVec
	DirectoryErrors    prometheus.Counter
	ShardPubSubDrops   prometheus.Counter
	ProcessCPUPct      prometheus.Gauge
	ProcessRSSBytes    prometheus.Gauge
	CapacityRejections prometheus.CounterVec

	reg *prometheus.Registry
}

// New creates a fresh Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codearena_sessions_active",
			Help: "Number of live client sessions on this shard.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codearena_sessions_total",
			Help: "Total client sessions accepted by this shard.",
		}),
		GamesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codearena_games_active",
			Help: "Number of host-authoritative games on this shard.",
		}),
		GamesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codearena_games_created_total",
			Help: "Total games created on this shard.",
		}),
		CompilesTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codearena_compiles_total",
			Help: "Total Compile requests by outcome.",
		}, []string{"outcome"}),
		DirectoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codearena_directory_errors_total",
			Help: "Total errors talking to the Redis directory.",
		}),
		ShardPubSubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codearena_shard_pubsub_drops_total",
			Help: "Total inter-shard messages dropped (decode failure or target gone).",
		}),
		ProcessCPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codearena_process_cpu_percent",
			Help: "Sampled process CPU usage percentage.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codearena_process_rss_bytes",
			Help: "Sampled process resident set size in bytes.",
		}),
		CapacityRejections: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codearena_capacity_rejections_total",
			Help: "Total connections rejected by the resource guard, by reason.",
		}, []string{"reason"}),
		reg: reg,
	}

	reg.MustRegister(
		r.SessionsActive,
		r.SessionsTotal,
		r.GamesActive,
		r.GamesCreated,
		&r.CompilesTotal,
		r.DirectoryErrors,
		r.ShardPubSubDrops,
		r.ProcessCPUPct,
		r.ProcessRSSBytes,
		&r.CapacityRejections,
	)

	return r
}

// Handler returns the HTTP handler Prometheus should scrape.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
