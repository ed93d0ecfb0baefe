package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(requestsEnqueuedTotal, jobsResolvedTotal, jobsSubmittedTotal,
		reconcileMismatchTotal, queuePendingDepth, jobRequestCount)
}

var requestsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batch_requests_enqueued_total",
		Help: "Batch requests accepted into the queue, labeled by operation type.",
	},
	[]string{"op"},
)

var jobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batch_jobs_submitted_total",
		Help: "Batch jobs submitted to the provider, labeled by predominant operation.",
	},
	[]string{"op"},
)

var jobsResolvedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batch_jobs_resolved_total",
		Help: "Batch jobs reaching a terminal state, labeled by status.",
	},
	[]string{"status"}, // completed | failed | expired | cancelled
)

var reconcileMismatchTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "batch_reconcile_mismatch_total",
		Help: "Result lines whose correlation id matched no request (logged and skipped).",
	},
)

var queuePendingDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "batch_queue_pending_depth",
		Help: "Current number of PENDING batch requests.",
	},
)

var jobRequestCount = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "batch_job_request_count",
		Help:    "Distribution of requests per submitted job.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
)

func IncEnqueued(op string) { requestsEnqueuedTotal.WithLabelValues(norm(op)).Inc() }

func IncJobSubmitted(op string) { jobsSubmittedTotal.WithLabelValues(norm(op)).Inc() }

func IncJobResolved(status string) { jobsResolvedTotal.WithLabelValues(norm(status)).Inc() }

func IncReconcileMismatch() { reconcileMismatchTotal.Inc() }

func SetQueueDepth(n int) { queuePendingDepth.Set(float64(n)) }

func ObserveJobSize(n int) { jobRequestCount.Observe(float64(n)) }
