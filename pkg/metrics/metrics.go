package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Corpus metrics
	EntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_entities_total",
			Help: "Total number of live entities",
		},
	)

	DocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_documents_total",
			Help: "Total number of indexed documents across entities",
		},
	)

	ChunksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_chunks_total",
			Help: "Total number of indexed chunks across entities",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_sessions_total",
			Help: "Total number of chat sessions",
		},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entityrag_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	EstimatedCostUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_estimated_cost_usd",
			Help: "Accumulated estimated spend across all entities in USD",
		},
	)

	// Ingest and chat metrics
	UploadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entityrag_uploads_total",
			Help: "Total number of upload tasks accepted",
		},
	)

	ChatTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entityrag_chat_turns_total",
			Help: "Total number of conversation turns processed",
		},
	)

	DuplicateUploadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entityrag_duplicate_uploads_total",
			Help: "Total number of uploads short-circuited by content dedup",
		},
	)

	// Worker pool metrics
	WorkersCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_workers_current",
			Help: "Current number of pool workers",
		},
	)

	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entityrag_worker_queue_depth",
			Help: "Number of tasks waiting in the pool queue",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entityrag_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entityrag_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage metrics
	KVOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entityrag_kv_op_duration_seconds",
			Help:    "Key-value store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EntitiesTotal)
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(EstimatedCostUSD)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(ChatTurnsTotal)
	prometheus.MustRegister(DuplicateUploadsTotal)
	prometheus.MustRegister(WorkersCurrent)
	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(KVOpDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
