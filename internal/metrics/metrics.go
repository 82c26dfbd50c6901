// Package metrics exposes the gateway's Prometheus metrics, mirroring
// how the teacher's cmd/operator wires a metrics/server.Options
// endpoint — except here there is no controller-runtime manager to host
// it, so the registry is built and served directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scaler states, encoded as a gauge value for sero_scaler_state.
const (
	StateZero = iota
	StateScalingUp
	StateServing
	StateScalingDown
)

// Registry bundles every metric this gateway publishes.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	BytesTotal        *prometheus.CounterVec
	ScaleMutations    *prometheus.CounterVec
	EndpointCount     *prometheus.GaugeVec
	ScalerState       prometheus.Gauge
	EnsureUpDuration  prometheus.Histogram
}

// New builds a fresh, independent registry. Independent registries (as
// opposed to the global default) keep tests hermetic.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sero_connections_total",
			Help: "TCP connections accepted, partitioned by outcome.",
		}, []string{"result"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sero_connections_in_flight",
			Help: "TCP connections currently being proxied.",
		}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sero_bytes_total",
			Help: "Bytes relayed between client and backend.",
		}, []string{"direction"}),
		ScaleMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sero_scale_mutations_total",
			Help: "Scale subresource mutations issued, partitioned by direction and outcome.",
		}, []string{"direction", "result"}),
		EndpointCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sero_endpoint_count",
			Help: "Last published serving endpoint count, by kind.",
		}, []string{"kind"}),
		ScalerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sero_scaler_state",
			Help: "Current scaler state: 0=Zero 1=ScalingUp 2=Serving 3=ScalingDown.",
		}),
		EnsureUpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sero_ensure_up_duration_seconds",
			Help:    "Time from EnsureUp call to completion.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}

	reg.MustRegister(
		r.ConnectionsTotal,
		r.ConnectionsActive,
		r.BytesTotal,
		r.ScaleMutations,
		r.EndpointCount,
		r.ScalerState,
		r.EnsureUpDuration,
	)

	return r
}

// Handler returns the http.Handler serving this registry's /metrics page.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
