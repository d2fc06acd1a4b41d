package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Commands: engine command outcomes by command and result (ok, conflict, rejected, not_found, error).
	Commands *prometheus.CounterVec

	CommandDuration *prometheus.HistogramVec

	// Escalations applied, by kind, severity and SLA status that triggered them.
	Escalations *prometheus.CounterVec

	// RepeatNotifications sent for items already at their maximum level.
	RepeatNotifications *prometheus.CounterVec

	SweepDuration prometheus.Histogram
	SweepItems    *prometheus.CounterVec

	// Dispatch: delivery outcomes per channel (delivered, exhausted, skipped, dropped).
	Deliveries       *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// New registers every collector on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_commands_total",
			Help: "Engine commands by command name and result.",
		}, []string{"command", "result"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dueline_command_duration_seconds",
			Help:    "Engine command latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"command"}),

		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_escalations_total",
			Help: "Escalation level increases.",
		}, []string{"kind", "severity", "sla_status"}),

		RepeatNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_repeat_notifications_total",
			Help: "Repeat notifications for items at their maximum escalation level.",
		}, []string{"kind", "severity"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dueline_sweep_duration_seconds",
			Help:    "Duration of one sweep over open work items.",
			Buckets: prometheus.DefBuckets,
		}),

		SweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_sweep_items_total",
			Help: "Items visited by the sweep, by outcome.",
		}, []string{"outcome"}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_deliveries_total",
			Help: "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),

		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dueline_delivery_attempts_total",
			Help: "Individual delivery attempts by channel.",
		}, []string{"channel"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "dueline_dispatch_queue_depth",
			Help: "Events waiting in the dispatch queue.",
		}),
	}
}
