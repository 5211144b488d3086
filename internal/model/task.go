package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority 任务优先级，P0 延迟容忍度最低（最紧急），P3 最低优先级。
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2
	PriorityP3

	// PriorityLevels 优先级层级数量（四条严格有序的队列）
	PriorityLevels = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	case PriorityP3:
		return "P3"
	default:
		return fmt.Sprintf("P?(%d)", int(p))
	}
}

// Valid 检查优先级是否在封闭集合内
func (p Priority) Valid() bool {
	return p >= PriorityP0 && p <= PriorityP3
}

// ParsePriority 解析优先级字符串（"P0".."P3"，大小写不敏感）
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P0":
		return PriorityP0, nil
	case "P1":
		return PriorityP1, nil
	case "P2":
		return PriorityP2, nil
	case "P3", "":
		return PriorityP3, nil
	default:
		return PriorityP3, fmt.Errorf("无效的优先级 %q（必须是 P0/P1/P2/P3）", s)
	}
}

// TaskStatus 统一任务状态枚举（用于 API/PG/前端筛选）。
// 约定：
// - queued: 已入队（等待 Dispatcher 分配）
// - assigned: 已选定 worker 并占用其容量配额
// - processing: worker 开始处理
// - completed: 成功（终态）
// - failed: 本次尝试失败（可能会重试，经 failed→queued 边回到队列）
// - dead_lettered: 超过最大重试或在出队时已过 deadline（终态）
// - cancelled: 被调用方取消（终态）
type TaskStatus string

const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusAssigned     TaskStatus = "assigned"
	TaskStatusProcessing   TaskStatus = "processing"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusProcessing,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal 是否为终态（终态任务只能归档，不再参与调度）
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// transitions 任务状态机的合法迁移。
// 除 failed→queued 的重试边外，所有迁移都是单调的。
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusAssigned, TaskStatusDeadLettered, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusProcessing, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:     {TaskStatusQueued, TaskStatusDeadLettered},
}

// CanTransition 检查状态迁移是否合法
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task 可调度的工作单元。
// 字段所有权：创建后 ID/Priority/Requirements/Deadline 不可变；
// Status/RetryCount/AssignedWorker 只由 Dispatcher 和结果回调修改。
type Task struct {
	ID           string          `json:"id"`
	Priority     Priority        `json:"priority"`
	Requirements []string        `json:"requirements,omitempty"` // 能力标签，worker 必须全部覆盖
	Cost         float64         `json:"cost,omitempty"`         // 资源开销提示（不透明权重）
	Deadline     time.Time       `json:"deadline,omitempty"`     // 必须在此时刻前开始处理
	Affinity     string          `json:"affinity,omitempty"`     // 首选 worker
	AntiAffinity []string        `json:"anti_affinity,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	Status         TaskStatus `json:"status"`
	RetryCount     int32      `json:"retry_count"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	// EnqueuedAt 首次入队时间。重试重新入队时保留原值，
	// 使 aging 以任务的总等待时间计算（公平性优先的策略选择）。
	EnqueuedAt  time.Time `json:"enqueued_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewTaskID 生成任务 ID
func NewTaskID() string {
	return uuid.NewString()
}

// HasRequirement 检查任务是否声明了指定能力标签
func (t *Task) HasRequirement(tag string) bool {
	for _, r := range t.Requirements {
		if r == tag {
			return true
		}
	}
	return false
}

// Expired 任务在 now 时刻是否已过 deadline（零值 deadline 永不过期）
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// ExcludesWorker 检查 worker 是否在反亲和列表中
func (t *Task) ExcludesWorker(workerName string) bool {
	for _, w := range t.AntiAffinity {
		if w == workerName {
			return true
		}
	}
	return false
}

// Clone 返回任务的浅拷贝（Snapshot 用，避免调用方拿到内部指针后并发修改）
func (t *Task) Clone() *Task {
	cp := *t
	return &cp
}
