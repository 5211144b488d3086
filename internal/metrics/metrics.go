package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchhub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 任务指标
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"priority"},
	)

	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
		[]string{"worker_name", "priority"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_tasks_completed_total",
			Help: "Total number of task outcomes",
		},
		[]string{"worker_name", "status"},
	)

	TasksRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"priority"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_dead_letters_total",
			Help: "Total number of dead-lettered tasks",
		},
		[]string{"reason"},
	)

	TaskQueueWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchhub_task_queue_wait_seconds",
			Help:    "Time tasks spent queued before dispatch",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"priority"},
	)

	MatchDecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchhub_match_decision_duration_seconds",
			Help:    "Matching decision latency in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// 队列指标
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchhub_queue_depth",
			Help: "Number of queued tasks per priority tier",
		},
		[]string{"priority"},
	)

	AgingPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchhub_aging_promotions_total",
			Help: "Total number of starvation-avoidance priority promotions",
		},
	)

	// Worker 指标
	WorkersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchhub_workers_total",
			Help: "Total number of registered workers",
		},
	)

	WorkerUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchhub_worker_utilization",
			Help: "Per-worker utilization (active / max_concurrency)",
		},
		[]string{"worker_name"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchhub_breaker_state",
			Help: "Per-worker circuit breaker state (0=closed 1=half_open 2=open)",
		},
		[]string{"worker_name"},
	)

	RebalanceTriggersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchhub_rebalance_triggers_total",
			Help: "Total number of rebalance bias injections",
		},
	)

	// 数据库连接池指标
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchhub_db_connections_in_use",
			Help: "Number of database connections in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchhub_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	DBConnectionsMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchhub_db_connections_max",
			Help: "Maximum number of database connections",
		},
	)

	// 错误指标
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchhub_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "type"},
	)
)

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path string, status int, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordTaskSubmitted 记录任务提交
func RecordTaskSubmitted(priority string) {
	TasksSubmittedTotal.WithLabelValues(priority).Inc()
}

// RecordTaskDispatched 记录任务派发，queueWait 为排队等待秒数
func RecordTaskDispatched(workerName, priority string, queueWait float64) {
	TasksDispatchedTotal.WithLabelValues(workerName, priority).Inc()
	if queueWait >= 0 {
		TaskQueueWaitDuration.WithLabelValues(priority).Observe(queueWait)
	}
}

// RecordTaskCompleted 记录任务结局
func RecordTaskCompleted(workerName, status string) {
	TasksCompletedTotal.WithLabelValues(workerName, status).Inc()
}

// RecordTaskRetried 记录任务重试
func RecordTaskRetried(priority string) {
	TasksRetriedTotal.WithLabelValues(priority).Inc()
}

// RecordDeadLetter 记录死信
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth 更新单个优先级的队列深度
func UpdateQueueDepth(priority string, depth int) {
	QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// UpdateWorkerUtilization 更新单个 worker 的利用率
func UpdateWorkerUtilization(workerName string, utilization float64) {
	WorkerUtilization.WithLabelValues(workerName).Set(utilization)
}

// UpdateBreakerState 更新单个 worker 的熔断器状态
func UpdateBreakerState(workerName, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(workerName).Set(v)
}

// UpdateWorkerStats 更新注册 worker 总数
func UpdateWorkerStats(total int) {
	WorkersTotal.Set(float64(total))
}

// UpdateDBPoolStats 更新数据库连接池统计
func UpdateDBPoolStats(inUse, idle, max int32) {
	DBConnectionsInUse.Set(float64(inUse))
	DBConnectionsIdle.Set(float64(idle))
	DBConnectionsMax.Set(float64(max))
}

// RecordError 记录错误
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// statusClass 将 HTTP 状态码转为类别
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
