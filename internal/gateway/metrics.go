package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_gateway_clients",
		Help: "Connected client count.",
	})
	connectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_gateway_connects_total",
		Help: "Accepted client connections.",
	})
	rejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "world_gateway_rejects_total",
		Help: "Client connections refused before a session was created.",
	}, []string{"reason"})
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_gateway_reconnect_attempts_total",
		Help: "Engine stream reconnect attempts.",
	})
	reconnectState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_gateway_reconnect_state",
		Help: "Engine link state: 0 connected, 1 reconnecting, 2 failed.",
	})
)
