package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	QueueDrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_scheduler_queue_drain_seconds",
			Help:    "Time spent draining the scheduler queue per cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	FairSelectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_scheduler_fair_select_seconds",
			Help:    "Database time for fair work-item selection by service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	PodLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_scheduler_pod_lookup_seconds",
			Help:    "Time spent looking up pod counts",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_scheduler_batch_dispatch_seconds",
			Help:    "Time spent pushing one batch to a service queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ItemsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_items_scheduled_total",
			Help: "Work items dispatched to service queues",
		},
		[]string{"service"},
	)

	// Update processor metrics
	UpdatesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_work_item_updates_total",
			Help: "Work item updates processed by resulting status",
		},
		[]string{"status"},
	)

	UpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_work_item_update_seconds",
			Help:    "Transaction time for one work item update",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation metrics
	ItemsFailedByFailer = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratus_items_failed_by_failer_total",
			Help: "Stalled work items failed by the work failer",
		},
	)

	RowsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_rows_reaped_total",
			Help: "Rows deleted by the work reaper by table",
		},
		[]string{"table"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		QueueDrainDuration,
		FairSelectDuration,
		PodLookupDuration,
		BatchDispatchDuration,
		ItemsScheduled,
		UpdatesProcessed,
		UpdateDuration,
		ItemsFailedByFailer,
		RowsReaped,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
