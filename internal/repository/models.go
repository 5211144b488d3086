package repository

import (
	"encoding/json"
	"time"
)

// TaskModel GORM 模型 - 对应 task 表，仅用于 AutoMigrate 建表
type TaskModel struct {
	ID             int64           `gorm:"primaryKey;autoIncrement;column:id"`
	TaskID         string          `gorm:"column:task_id;uniqueIndex;type:text;not null"`
	Priority       int             `gorm:"column:priority;default:3;index:idx_task_priority_finished_at"`
	Requirements   json.RawMessage `gorm:"column:requirements;type:jsonb"`
	Cost           float64         `gorm:"column:cost;default:0"`
	Affinity       *string         `gorm:"column:affinity;type:text"`
	Payload        json.RawMessage `gorm:"column:payload;type:jsonb"`
	Status         string          `gorm:"column:status;type:text;not null;index:idx_task_status_finished_at"`
	RetryCount     int             `gorm:"column:retry_count;default:0"`
	AssignedWorker *string         `gorm:"column:assigned_worker;type:text;index:idx_task_worker_finished_at"`
	LastError      *string         `gorm:"column:last_error;type:text"`
	SubmittedAt    time.Time       `gorm:"column:submitted_at;not null"`
	EnqueuedAt     time.Time       `gorm:"column:enqueued_at;not null"`
	FinishedAt     time.Time       `gorm:"column:finished_at;not null;index:idx_task_status_finished_at,sort:desc;index:idx_task_worker_finished_at,sort:desc;index:idx_task_priority_finished_at,sort:desc"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName 指定表名
func (TaskModel) TableName() string { return "task" }

// TaskAttemptModel GORM 模型 - 对应 task_attempt 表
type TaskAttemptModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement;column:id"`
	TaskID     string    `gorm:"column:task_id;type:text;not null;index:idx_attempt_task_reported_at"`
	WorkerName string    `gorm:"column:worker_name;type:text;not null"`
	Attempt    int       `gorm:"column:attempt;not null"`
	Outcome    string    `gorm:"column:outcome;type:text;not null"`
	Error      *string   `gorm:"column:error;type:text"`
	LatencyMs  int64     `gorm:"column:latency_ms;default:0"`
	ReportedAt time.Time `gorm:"column:reported_at;not null;index:idx_attempt_task_reported_at,sort:desc"`
}

// TableName 指定表名
func (TaskAttemptModel) TableName() string { return "task_attempt" }
