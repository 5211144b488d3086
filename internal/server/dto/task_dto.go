package dto

import (
	"encoding/json"
	"time"
)

// SubmitTaskRequest 提交任务请求
type SubmitTaskRequest struct {
	TaskID       string          `json:"task_id" example:"550e8400-e29b-41d4-a716-446655440000"` // 可选，默认生成
	Priority     string          `json:"priority" example:"P1"`                                  // P0-P3，默认 P3
	Requirements []string        `json:"requirements" example:"gpu,image-processing"`            // 能力标签，worker 必须全部覆盖
	Cost         float64         `json:"cost" example:"1.5"`
	Deadline     *time.Time      `json:"deadline"` // 必须在此时刻前开始处理
	Affinity     string          `json:"affinity" example:"gpu-worker-1"`
	AntiAffinity []string        `json:"anti_affinity"`
	Payload      json.RawMessage `json:"payload"`
}

// SubmitTaskResponse 提交任务响应
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	Priority string `json:"priority" example:"P1"`
	Status   string `json:"status" example:"queued"`
}

// TaskResponse 任务详情响应
type TaskResponse struct {
	Task     interface{} `json:"task"`
	Attempts interface{} `json:"attempts,omitempty"`
}

// TaskListResponse 任务归档列表响应
type TaskListResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

// CancelTaskResponse 取消任务响应
type CancelTaskResponse struct {
	Status     string `json:"status" example:"ok"`
	TaskID     string `json:"task_id"`
	TaskStatus string `json:"task_status" example:"cancelled"` // cancelled 或取消请求已转发时的当前状态
}

// ReportOutcomeRequest Worker 上报执行结局请求。
// worker_name 必须是任务当前的受派 worker，转派后的迟到上报会被拒绝。
type ReportOutcomeRequest struct {
	WorkerName string `json:"worker_name" binding:"required" example:"worker-1"`
	Kind       string `json:"kind" binding:"required" example:"success"` // success/failure/timeout/cancelled
	Error      string `json:"error" example:"connection refused"`
	LatencyMs  int64  `json:"latency_ms" example:"230"`
}

// StatsResponse 引擎运行时统计响应
type StatsResponse struct {
	QueueDepths map[string]int    `json:"queue_depths"` // 按优先级分层的队列深度
	Inflight    int               `json:"inflight"`
	Workers     interface{}       `json:"workers"` // 容量快照列表
	Breakers    map[string]string `json:"breakers"`
}
