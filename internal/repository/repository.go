package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

// TaskRecord 任务归档实体。终态任务从内存落到这里，
// 审计和历史查询不依赖引擎在线状态。
type TaskRecord struct {
	TaskID         string          `json:"task_id"`
	Priority       int             `json:"priority"`
	Requirements   []string        `json:"requirements,omitempty"`
	Cost           float64         `json:"cost"`
	Affinity       string          `json:"affinity,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	AssignedWorker string          `json:"assigned_worker,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Attempt 单次执行尝试记录
type Attempt struct {
	TaskID     string    `json:"task_id"`
	WorkerName string    `json:"worker_name"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	ReportedAt time.Time `json:"reported_at"`
}

// ListTasksFilter 归档查询过滤条件
type ListTasksFilter struct {
	WorkerName string
	Status     string
	Priority   int // -1 表示全部
	Limit      int
	Offset     int
}

// TaskRepository 任务归档仓储接口
type TaskRepository interface {
	// ArchiveTask 写入或更新归档记录
	ArchiveTask(ctx context.Context, record TaskRecord) error

	// GetTask 根据 task_id 获取归档记录
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)

	// ListTasks 查询归档列表（支持分页和过滤）
	ListTasks(ctx context.Context, filter ListTasksFilter) ([]TaskRecord, error)

	// CountTasks 统计归档总数
	CountTasks(ctx context.Context, filter ListTasksFilter) (int, error)

	// InsertAttempt 插入执行尝试记录
	InsertAttempt(ctx context.Context, attempt Attempt) error

	// ListAttempts 查询任务的执行尝试历史
	ListAttempts(ctx context.Context, taskID string, limit int) ([]Attempt, error)
}

// Recorder 把引擎的归档回调翻译成仓储操作
type Recorder struct {
	repo TaskRepository
}

func NewRecorder(repo TaskRepository) *Recorder {
	return &Recorder{repo: repo}
}

// ArchiveTask 终态任务落库
func (r *Recorder) ArchiveTask(ctx context.Context, task *model.Task) error {
	return r.repo.ArchiveTask(ctx, TaskRecord{
		TaskID:         task.ID,
		Priority:       int(task.Priority),
		Requirements:   task.Requirements,
		Cost:           task.Cost,
		Affinity:       task.Affinity,
		Payload:        task.Payload,
		Status:         string(task.Status),
		RetryCount:     int(task.RetryCount),
		AssignedWorker: task.AssignedWorker,
		LastError:      task.LastError,
		SubmittedAt:    task.SubmittedAt,
		EnqueuedAt:     task.EnqueuedAt,
		FinishedAt:     time.Now(),
	})
}

// RecordAttempt 记录一次执行结局
func (r *Recorder) RecordAttempt(ctx context.Context, taskID, workerName string, attempt int32, outcome model.Outcome) error {
	return r.repo.InsertAttempt(ctx, Attempt{
		TaskID:     taskID,
		WorkerName: workerName,
		Attempt:    int(attempt),
		Outcome:    string(outcome.Kind),
		Error:      outcome.Error,
		LatencyMs:  outcome.Latency.Milliseconds(),
		ReportedAt: time.Now(),
	})
}
