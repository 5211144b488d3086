package engine

import (
	"errors"

	"github.com/azhengyongqin/dispatch-hub/internal/pqueue"
)

var (
	// ErrQueueSaturated 队列总深度达到上限，提交被背压拒绝
	ErrQueueSaturated = pqueue.ErrQueueSaturated

	// ErrTaskNotFound 任务不存在（不在队列、不在途、也不在归档里）
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotCancellable 任务已进入终态，无法取消
	ErrTaskNotCancellable = errors.New("task already terminal")

	// ErrWorkerNotFound worker 未注册
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerMismatch 上报者不是任务当前的受派 worker
	ErrWorkerMismatch = errors.New("report from non-assigned worker")

	// ErrInvalidPriority 优先级不在 P0..P3 范围内
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidTask 任务缺少必要字段
	ErrInvalidTask = errors.New("invalid task")

	// ErrEngineClosed 引擎已停止
	ErrEngineClosed = errors.New("engine closed")
)
