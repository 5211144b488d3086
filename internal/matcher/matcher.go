// Package matcher 实现任务与 worker 的贪心加权匹配。
// 每次决策对全部候选 worker 过滤、打分、排序，返回按得分降序的
// 候选列表，供调度器在容量竞争失败时逐个回退。
package matcher

import (
	"sort"
	"sync"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/breaker"
	"github.com/azhengyongqin/dispatch-hub/internal/capacity"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// 打分权重。四项加权和构成综合得分。
const (
	WeightSkill       = 0.4
	WeightCapacity    = 0.3
	WeightSuccessRate = 0.2
	WeightCost        = 0.1
)

// Candidate 是一次匹配决策的候选 worker 视图：
// 静态配置 + 容量快照 + 熔断器状态。
type Candidate struct {
	Worker       workers.Config
	Cap          capacity.Snapshot
	BreakerState breaker.State

	// Score 由 Rank 填充
	Score float64
}

// Matcher 持有匹配策略的可变状态（再平衡偏置）。
// 打分本身是纯函数，偏置是监控器注入的临时建议。
type Matcher struct {
	heartbeatTTL time.Duration

	mu       sync.Mutex
	bias     map[string]float64 // worker_name -> 容量分偏置
	biasLeft int                // 偏置剩余生效的决策次数
}

func New(heartbeatTTL time.Duration) *Matcher {
	return &Matcher{heartbeatTTL: heartbeatTTL}
}

// SetBias 设置容量分偏置，仅对接下来 decisions 次匹配决策生效。
// 偏置是建议性的：只影响打分，不构成硬性约束。
func (m *Matcher) SetBias(bias map[string]float64, decisions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(bias) == 0 || decisions <= 0 {
		m.bias = nil
		m.biasLeft = 0
		return
	}
	m.bias = bias
	m.biasLeft = decisions
}

// takeBias 消耗一次偏置决策并返回当前偏置表
func (m *Matcher) takeBias() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.biasLeft <= 0 {
		return nil
	}
	m.biasLeft--
	bias := m.bias
	if m.biasLeft == 0 {
		m.bias = nil
	}
	return bias
}

// Rank 过滤出全部合格候选并按得分降序返回。
// 返回空切片表示当前没有任何 worker 能接这个任务。
//
// 亲和性短路：任务指定了 Affinity 且该 worker 合格时，它排在首位，
// 其余候选按正常得分排序作为回退序列。
func (m *Matcher) Rank(task *model.Task, candidates []Candidate, now time.Time) []Candidate {
	bias := m.takeBias()

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !m.Eligible(task, c, now) {
			continue
		}
		c.Score = m.score(task, c, bias)
		eligible = append(eligible, c)
	}

	// 得分降序；同分先比在途任务数（升序），再比名称（字典序）。
	// 比较器完全确定，相同输入必然产出相同顺序。
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Cap.Active != b.Cap.Active {
			return a.Cap.Active < b.Cap.Active
		}
		return a.Worker.WorkerName < b.Worker.WorkerName
	})

	if task.Affinity != "" {
		for i, c := range eligible {
			if c.Worker.WorkerName == task.Affinity {
				if i > 0 {
					pinned := eligible[i]
					copy(eligible[1:i+1], eligible[:i])
					eligible[0] = pinned
				}
				break
			}
		}
	}

	return eligible
}

// Eligible 检查单个候选是否满足全部硬性条件
func (m *Matcher) Eligible(task *model.Task, c Candidate, now time.Time) bool {
	w := c.Worker
	if !w.IsEnabled || w.Draining {
		return false
	}
	if !w.HeartbeatFresh(m.heartbeatTTL, now) {
		return false
	}
	if c.BreakerState == breaker.StateOpen {
		return false
	}
	if task.ExcludesWorker(w.WorkerName) {
		return false
	}
	if !w.Covers(task.Requirements) {
		return false
	}
	if c.Cap.Active >= c.Cap.MaxConcurrency {
		return false
	}
	return true
}

// score 计算综合得分。各分量都落在 [0,1]，加权和也在 [0,1]。
func (m *Matcher) score(task *model.Task, c Candidate, bias map[string]float64) float64 {
	skill := skillScore(task.Requirements, c.Worker.Capabilities)

	capScore := 0.0
	if c.Cap.MaxConcurrency > 0 {
		capScore = float64(c.Cap.MaxConcurrency-c.Cap.Active) / float64(c.Cap.MaxConcurrency)
	}
	capScore = clamp01(capScore + bias[c.Worker.WorkerName])

	cost := 1.0 / (1.0 + c.Worker.Cost)

	return WeightSkill*skill +
		WeightCapacity*capScore +
		WeightSuccessRate*c.Cap.Stats.SuccessRate +
		WeightCost*cost
}

// skillScore 衡量能力集合与要求的贴合程度：能力恰好等于要求时
// 得满分 1.0，能力越冗余得分越低。通才留给没人接的任务。
func skillScore(requirements, capabilities []string) float64 {
	if len(capabilities) == 0 {
		return 0
	}
	if len(requirements) == 0 {
		// 无要求的任务：能力越少的 worker 越贴合
		return 1.0 / float64(len(capabilities))
	}
	return float64(len(requirements)) / float64(len(capabilities))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
