package dto

import (
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/capacity"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// RegisterWorkerRequest 注册 Worker 请求
type RegisterWorkerRequest struct {
	WorkerName     string   `json:"worker_name" binding:"required" example:"gpu-worker-1"`
	BaseURL        string   `json:"base_url" example:"http://localhost:8080"`
	Capabilities   []string `json:"capabilities" binding:"required" example:"gpu,image-processing"`
	MaxConcurrency int32    `json:"max_concurrency" example:"10"`
	Cost           float64  `json:"cost" example:"1.0"`
}

// WorkerStatus Worker 配置与运行时状态的组合视图
type WorkerStatus struct {
	Config       workers.Config     `json:"config"`
	Capacity     *capacity.Snapshot `json:"capacity,omitempty"`
	BreakerState string             `json:"breaker_state,omitempty" example:"closed"`
}

// WorkerListResponse Worker 列表响应
type WorkerListResponse struct {
	Items []WorkerStatus `json:"items"`
}

// WorkerResponse Worker 详情响应
type WorkerResponse struct {
	Worker WorkerStatus `json:"worker"`
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	Status      string    `json:"status" example:"ok"`
	WorkerName  string    `json:"worker_name" example:"gpu-worker-1"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// DeregisterWorkerResponse Worker 注销响应
type DeregisterWorkerResponse struct {
	Status     string `json:"status" example:"ok"`
	WorkerName string `json:"worker_name" example:"gpu-worker-1"`
	Draining   bool   `json:"draining"` // true 表示进入排空，在途任务完成后才真正移除
}
