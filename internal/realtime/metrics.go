package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_realtime_connections",
		Help: "Number of live realtime connections.",
	})

	metricOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_realtime_online_users",
		Help: "Number of users with at least one live connection.",
	})

	metricEventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_realtime_events_delivered_total",
		Help: "Events enqueued to a connection's send queue.",
	}, []string{"kind"})

	metricEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_realtime_events_dropped_total",
		Help: "Events dropped due to backpressure or a closing connection.",
	}, []string{"kind"})

	metricForceDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_realtime_force_disconnects_total",
		Help: "Connections forcibly terminated by session revocation.",
	})
)
