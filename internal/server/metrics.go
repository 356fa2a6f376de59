package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the server's instrumentation on its own registry so multiple
// server instances in one process never collide.
type metrics struct {
	registry       *prometheus.Registry
	provisions     *prometheus.CounterVec
	stops          prometheus.Counter
	execs          prometheus.Counter
	streamSessions prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		provisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aetherhost",
			Name:      "sandbox_provisions_total",
			Help:      "Sandbox provisioning attempts by outcome status.",
		}, []string{"status"}),
		stops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aetherhost",
			Name:      "sandbox_stops_total",
			Help:      "Sandboxes stopped and removed.",
		}),
		execs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aetherhost",
			Name:      "sandbox_execs_total",
			Help:      "Commands executed inside sandboxes.",
		}),
		streamSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aetherhost",
			Name:      "stream_sessions_active",
			Help:      "Currently open terminal stream sessions.",
		}),
	}
}
