package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_engine_ticks_total",
		Help: "Completed engine ticks.",
	})
	tickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_engine_tick_overruns_total",
		Help: "Ticks whose duration exceeded the configured interval.",
	})
	tickDebtMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_engine_tick_debt_ms",
		Help: "Accumulated tick overrun not yet worked off.",
	})
	inboundEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_engine_inbound_events_total",
		Help: "Inbound events drained and dispatched.",
	})
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "world_engine_sessions",
		Help: "Live sessions in the engine table.",
	})
	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "world_engine_session_disconnects_total",
		Help: "Sessions disconnected, by reason.",
	}, []string{"reason"})
	outboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_engine_outbound_dropped_total",
		Help: "Outbound events the delivery backend could not take.",
	})
	handlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_engine_handler_errors_total",
		Help: "Event handler errors isolated to their session.",
	})
)
