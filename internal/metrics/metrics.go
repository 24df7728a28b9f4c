// Package metrics declares the process-wide Prometheus collectors for the
// runtime, in the teacher's promauto package-level-var style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AwakeAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrt_awake_agents",
		Help: "Number of agent instances currently held in memory by the Instantiation Service.",
	})
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_dispatch_total",
		Help: "Total number of dispatched operations by class and outcome.",
	}, []string{"class", "outcome"})
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentrt_dispatch_duration_seconds",
		Help:    "Duration of a full Receive call, from wake to state flush.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})
	BootDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentrt_boot_duration_seconds",
		Help:    "Duration of boot phase A, the synchronous priority set Boot blocks on before returning.",
		Buckets: prometheus.DefBuckets,
	})
	BootFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_boot_failures_total",
		Help: "Total number of agents that failed to initialize during boot, by phase.",
	}, []string{"phase"})
	ScheduledTasksPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrt_scheduled_tasks_pending",
		Help: "Number of one-shot scheduled tasks not yet fired.",
	})
	ScheduledTasksFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrt_scheduled_tasks_fired_total",
		Help: "Total number of scheduled tasks delivered to their owning agent.",
	})
	RecurringTriggersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrt_recurring_triggers_active",
		Help: "Number of active cron-based recurring triggers.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_events_published_total",
		Help: "Total number of events published through Trigger, by event name.",
	}, []string{"event"})
	EventDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_event_deliveries_total",
		Help: "Total number of per-subscriber event deliveries attempted, by outcome.",
	}, []string{"outcome"})
	SendTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrt_send_timeouts_total",
		Help: "Total number of synchronous Send calls that timed out waiting for a reply.",
	})
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentrt_transport_errors_total",
		Help: "Total number of outbound transport send failures, by scheme.",
	}, []string{"scheme"})
)
