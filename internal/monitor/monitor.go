package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Proxy metrics
var (
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workspace",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied requests by route class and response status",
	}, []string{"route", "status"})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workspace",
		Subsystem: "proxy",
		Name:      "upstream_latency_seconds",
		Help:      "Time to first upstream response header",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	WebsocketTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "workspace",
		Subsystem: "proxy",
		Name:      "websocket_tunnels",
		Help:      "Currently open WebSocket tunnels",
	})
)

// Spawner metrics
var (
	SpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workspace",
		Subsystem: "spawner",
		Name:      "spawn_duration_seconds",
		Help:      "Wall time from spawn task start to proxy_url publication",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
	})

	SpawnErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workspace",
		Subsystem: "spawner",
		Name:      "spawn_errors_total",
		Help:      "Spawn tasks that failed and stopped their instance",
	})
)

// Reaper metrics
var (
	ReapedInstances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workspace",
		Subsystem: "reaper",
		Name:      "reaped_total",
		Help:      "Instances stopped for idleness",
	})
)
