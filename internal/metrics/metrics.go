// Package metrics registers the Prometheus collectors for the gateway
// and the robot agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds the control-plane collectors.
type Gateway struct {
	SessionsCreated *prometheus.CounterVec
	SessionsDenied  *prometheus.CounterVec
	SessionsRevoked *prometheus.CounterVec
	ActiveRooms     prometheus.Gauge

	AuditQueueDepth  prometheus.Gauge
	AuditOldestAge   prometheus.Gauge
	AuditDropped     *prometheus.CounterVec
	AuditDelivered   prometheus.Counter
	AuditBreakerOpen prometheus.Gauge

	RevocationLatency prometheus.Histogram
}

func NewGateway() *Gateway {
	return &Gateway{
		SessionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_sessions_created_total",
				Help: "Sessions granted, by robot",
			},
			[]string{"robot_id"},
		),
		SessionsDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_sessions_denied_total",
				Help: "Session requests denied by policy",
			},
			[]string{"reason"},
		),
		SessionsRevoked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_sessions_revoked_total",
				Help: "Sessions revoked, by reason",
			},
			[]string{"reason"},
		),
		ActiveRooms: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleop_signaling_rooms",
				Help: "Live signaling rooms",
			},
		),
		AuditQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleop_audit_queue_depth",
				Help: "Events waiting in the audit queue",
			},
		),
		AuditOldestAge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleop_audit_oldest_event_age_seconds",
				Help: "Age of the oldest queued audit event",
			},
		),
		AuditDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_audit_dropped_total",
				Help: "Audit events dropped on overflow",
			},
			[]string{"class"}, // critical, non_critical
		),
		AuditDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "teleop_audit_delivered_total",
				Help: "Audit events delivered to the ledger adapter",
			},
		),
		AuditBreakerOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleop_audit_breaker_open",
				Help: "1 when the ledger circuit breaker is open",
			},
		),
		RevocationLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "teleop_revocation_push_seconds",
				Help:    "Commit-to-push latency of a revocation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
}

// AuditObserver adapts the gateway collectors to the audit queue's
// observer hook.
type AuditObserver struct {
	g *Gateway
}

func (g *Gateway) AuditObserver() *AuditObserver { return &AuditObserver{g: g} }

func (o *AuditObserver) QueueDepth(depth int) { o.g.AuditQueueDepth.Set(float64(depth)) }
func (o *AuditObserver) OldestAge(age time.Duration) {
	o.g.AuditOldestAge.Set(age.Seconds())
}
func (o *AuditObserver) Dropped(critical bool) {
	class := "non_critical"
	if critical {
		class = "critical"
	}
	o.g.AuditDropped.WithLabelValues(class).Inc()
}

// Agent holds the robot-side collectors.
type Agent struct {
	CommandsDispatched  *prometheus.CounterVec
	CommandsRejected    *prometheus.CounterVec
	SafeStopLatency     prometheus.Histogram
	SafeStops           *prometheus.CounterVec
	ControlLossEpisodes prometheus.Counter
}

func NewAgent() *Agent {
	return &Agent{
		CommandsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_agent_commands_total",
				Help: "Commands accepted and actuated, by type",
			},
			[]string{"type"},
		),
		CommandsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_agent_commands_rejected_total",
				Help: "Commands rejected before actuation",
			},
			[]string{"type", "reason"},
		),
		SafeStopLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "teleop_agent_safe_stop_seconds",
				Help:    "Trigger-to-halt latency of a safe-stop",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
		SafeStops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleop_agent_safe_stops_total",
				Help: "Safe-stop firings, by trigger",
			},
			[]string{"trigger"},
		),
		ControlLossEpisodes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "teleop_agent_control_loss_episodes_total",
				Help: "Distinct control-loss episodes (recovered or not)",
			},
		),
	}
}
