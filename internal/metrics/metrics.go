// Package metrics exposes the Prometheus-format gauges/counters named in
// §4.10/§6: repub_up, repub_packages_total{type=...},
// repub_versions_total, repub_users_total, repub_tokens_active,
// repub_downloads_total, plus DB size/latency when the metadata store
// reports them.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this service reports.
type Registry struct {
	Up               prometheus.Gauge
	PackagesTotal    *prometheus.GaugeVec
	VersionsTotal    prometheus.Gauge
	UsersTotal       prometheus.Gauge
	TokensActive     prometheus.Gauge
	DownloadsTotal   prometheus.Gauge
	StoreLatencyMS   prometheus.Gauge
	StoreSizeBytes   prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Registry {
	r := &Registry{
		Up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_up", Help: "1 if the server is serving traffic.",
		}),
		PackagesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "repub_packages_total", Help: "Total packages by type.",
		}, []string{"type"}),
		VersionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_versions_total", Help: "Total package versions.",
		}),
		UsersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_users_total", Help: "Total registered users.",
		}),
		TokensActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_tokens_active", Help: "Active (non-expired) bearer tokens.",
		}),
		DownloadsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_downloads_total", Help: "Total recorded downloads.",
		}),
		StoreLatencyMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_store_latency_ms", Help: "Metadata store health-check latency in milliseconds.",
		}),
		StoreSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repub_store_size_bytes", Help: "Metadata store size in bytes, if reported.",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(r.Up, r.PackagesTotal, r.VersionsTotal, r.UsersTotal, r.TokensActive, r.DownloadsTotal, r.StoreLatencyMS, r.StoreSizeBytes)
	r.registry = reg
	return r
}

// Handler serves r's own registry directly rather than the global
// default registerer, so repeated New() calls in tests never collide on
// double-registration.
func (r *Registry) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
}
