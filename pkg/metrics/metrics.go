package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_queue_processed_total",
			Help: "Total number of ids processed by queue runs, per task",
		},
		[]string{"task"},
	)

	QueueRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcrdb_queue_run_duration_seconds",
			Help:    "Wall-clock duration of queue runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"task"},
	)

	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_queue_dropped_total",
			Help: "Total number of ids dropped after exhausting retries",
		},
		[]string{"task"},
	)

	// Crawler account metrics
	LoginFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_login_failures_total",
			Help: "Total number of failed account logins by uid",
		},
		[]string{"uid"},
	)

	// Upstream RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_rpc_requests_total",
			Help: "Total number of upstream RPC requests by endpoint",
		},
		[]string{"endpoint"},
	)

	// Task metrics
	TasksRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_tasks_run_total",
			Help: "Total number of task runs by name and status",
		},
		[]string{"task", "status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcrdb_api_requests_total",
			Help: "Total number of query API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcrdb_api_request_duration_seconds",
			Help:    "Query API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(QueueProcessedTotal)
	prometheus.MustRegister(QueueRunDuration)
	prometheus.MustRegister(QueueDroppedTotal)
	prometheus.MustRegister(LoginFailuresTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(TasksRunTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// ObserveQueueRun records the outcome of one queue run.
func ObserveQueueRun(task string, processed int64, elapsed time.Duration) {
	QueueProcessedTotal.WithLabelValues(task).Add(float64(processed))
	QueueRunDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

// IncDroppedID counts an id abandoned after its retry budget.
func IncDroppedID(task string) {
	QueueDroppedTotal.WithLabelValues(task).Inc()
}

// IncLoginFailure counts a failed account login.
func IncLoginFailure(uid string) {
	LoginFailuresTotal.WithLabelValues(uid).Inc()
}

// IncRPCRequest counts one upstream request.
func IncRPCRequest(endpoint string) {
	RPCRequestsTotal.WithLabelValues(endpoint).Inc()
}

// IncTaskRun counts one task run completion.
func IncTaskRun(task, status string) {
	TasksRunTotal.WithLabelValues(task, status).Inc()
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
