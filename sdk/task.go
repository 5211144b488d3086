package sdk

import (
	"encoding/json"
	"time"
)

// Task 控制面推送给 worker 的任务。
// 字段与控制面的任务 JSON 对齐，Payload 是业务 payload（JSON 原文）。
type Task struct {
	ID           string          `json:"id"`
	Priority     int             `json:"priority"` // 0=P0 最紧急 .. 3=P3
	Requirements []string        `json:"requirements,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	Deadline     time.Time       `json:"deadline,omitempty"`
	Affinity     string          `json:"affinity,omitempty"`
	AntiAffinity []string        `json:"anti_affinity,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	Status         string `json:"status,omitempty"`
	RetryCount     int    `json:"retry_count,omitempty"`
	AssignedWorker string `json:"assigned_worker,omitempty"`
}

func (t *Task) UnmarshalPayload(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Outcome worker 上报的执行结局分类
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)
