package model

import "time"

// OutcomeKind 任务执行结果分类。
// 熔断器的失败判定由调用方通过这里的分类提供：
// failure/timeout 计入熔断统计，caller 主动取消（cancelled）不计入。
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"   // worker 明确上报的执行错误
	OutcomeTimeout   OutcomeKind = "timeout"   // 瞬态基础设施失败（对 worker 的超时）
	OutcomeCancelled OutcomeKind = "cancelled" // 调用方发起的取消
)

func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// CountsAsFailure 是否计入熔断器与历史统计的失败
func (k OutcomeKind) CountsAsFailure() bool {
	return k == OutcomeFailure || k == OutcomeTimeout
}

// Outcome 单次执行结果，是反馈进 Capacity Tracker 与熔断器的唯一通道
type Outcome struct {
	Kind    OutcomeKind   `json:"kind"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Success 便捷构造：成功结果
func Success(latency time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, Latency: latency}
}

// Failure 便捷构造：失败结果
func Failure(err string, latency time.Duration) Outcome {
	return Outcome{Kind: OutcomeFailure, Error: err, Latency: latency}
}
