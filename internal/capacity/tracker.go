// Package capacity 维护每个 worker 的实时负载与历史统计。
// reserve/release 是全系统唯一的互斥临界区，必须保持短小：
// 只做计数与 EWMA 折算，绝不在持锁期间等待 worker I/O。
package capacity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

// ErrCapacityExceeded worker 并发配额已满
var ErrCapacityExceeded = fmt.Errorf("capacity exceeded")

// ErrUnknownWorker worker 未注册
var ErrUnknownWorker = fmt.Errorf("unknown worker")

const (
	// DefaultAlpha EWMA 平滑因子缺省值
	DefaultAlpha = 0.2

	// DefaultDegradedUtilization 利用率超过该阈值时标记 Degraded
	DefaultDegradedUtilization = 0.9
)

// Stats worker 的滚动历史统计（EWMA 折算），只由 Release 写入
type Stats struct {
	SuccessRate  float64 `json:"success_rate"`   // [0,1]，新 worker 初始为 1
	AvgLatencyMs float64 `json:"avg_latency_ms"` // 成功与失败都计入
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
}

// Snapshot worker 负载状态的不可变视图，供 Matching Engine 打分。
// 读取不阻塞热路径：每个 worker 的记录是单写多读结构。
type Snapshot struct {
	WorkerName     string  `json:"worker_name"`
	Active         int32   `json:"active"`
	MaxConcurrency int32   `json:"max_concurrency"`
	Utilization    float64 `json:"utilization"`
	Degraded       bool    `json:"degraded"`
	Stats          Stats   `json:"stats"`
}

// workerState 单个 worker 的负载记录。
// active 由本结构的锁独占保护，外部只能通过 Reserve/Release 修改。
type workerState struct {
	mu       sync.RWMutex
	max      int32
	active   int32
	degraded bool
	stats    Stats
}

// Tracker Capacity Tracker。workers map 本身由 mu 保护（注册/注销是冷路径），
// 每个 worker 记录有独立的锁，Reserve/Release 之间互不竞争。
type Tracker struct {
	mu      sync.RWMutex
	workers map[string]*workerState

	alpha      float64
	degradedAt float64
}

// Option Tracker 构造选项
type Option func(*Tracker)

// WithAlpha 设置 EWMA 平滑因子
func WithAlpha(alpha float64) Option {
	return func(t *Tracker) {
		if alpha > 0 && alpha <= 1 {
			t.alpha = alpha
		}
	}
}

// WithDegradedUtilization 设置 Degraded 利用率阈值
func WithDegradedUtilization(u float64) Option {
	return func(t *Tracker) {
		if u > 0 && u <= 1 {
			t.degradedAt = u
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		workers:    map[string]*workerState{},
		alpha:      DefaultAlpha,
		degradedAt: DefaultDegradedUtilization,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register 注册 worker 的容量记录。重复注册只更新 max_concurrency。
func (t *Tracker) Register(workerName string, maxConcurrency int32) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ws, ok := t.workers[workerName]; ok {
		ws.mu.Lock()
		ws.max = maxConcurrency
		ws.degraded = utilization(ws.active, ws.max) >= t.degradedAt
		ws.mu.Unlock()
		return
	}
	t.workers[workerName] = &workerState{
		max:   maxConcurrency,
		stats: Stats{SuccessRate: 1.0},
	}
}

// Remove 移除 worker 的容量记录（注销排水完成后调用）
func (t *Tracker) Remove(workerName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, workerName)
}

// Reserve 原子占用一个并发配额。
// active 达到 max_concurrency 时返回 ErrCapacityExceeded，由
// Dispatcher 对下一个候选重试，不视为硬失败。
func (t *Tracker) Reserve(workerName string) error {
	ws, ok := t.get(workerName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerName)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.active >= ws.max {
		return fmt.Errorf("%w: %s (%d/%d)", ErrCapacityExceeded, workerName, ws.active, ws.max)
	}
	ws.active++
	ws.degraded = utilization(ws.active, ws.max) >= t.degradedAt
	return nil
}

// Release 原子释放配额并把结果折算进历史统计。
// 预约必须无条件释放（包括信令失败的情况），否则配额会泄漏。
// active 为负说明 reserve/release 配对被破坏，属于致命 bug 而非运行时错误。
func (t *Tracker) Release(workerName string, outcome model.Outcome) {
	ws, ok := t.get(workerName)
	if !ok {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.active--
	if ws.active < 0 {
		panic(fmt.Sprintf("capacity tracker corrupted: worker %s active=%d", workerName, ws.active))
	}
	ws.degraded = utilization(ws.active, ws.max) >= t.degradedAt

	// 取消不污染历史统计：既不算成功也不算失败
	if outcome.Kind == model.OutcomeCancelled {
		return
	}

	success := 0.0
	if outcome.Kind == model.OutcomeSuccess {
		success = 1.0
		ws.stats.Completed++
	} else {
		ws.stats.Failed++
	}

	a := t.alpha
	ws.stats.SuccessRate = (1-a)*ws.stats.SuccessRate + a*success
	latencyMs := float64(outcome.Latency.Milliseconds())
	if ws.stats.AvgLatencyMs == 0 {
		ws.stats.AvgLatencyMs = latencyMs
	} else {
		ws.stats.AvgLatencyMs = (1-a)*ws.stats.AvgLatencyMs + a*latencyMs
	}
}

// Snapshot 返回单个 worker 的不可变视图
func (t *Tracker) Snapshot(workerName string) (Snapshot, bool) {
	ws, ok := t.get(workerName)
	if !ok {
		return Snapshot{}, false
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return Snapshot{
		WorkerName:     workerName,
		Active:         ws.active,
		MaxConcurrency: ws.max,
		Utilization:    utilization(ws.active, ws.max),
		Degraded:       ws.degraded,
		Stats:          ws.stats,
	}, true
}

// Snapshots 返回所有 worker 的视图（按名称排序，保证测试可复现）
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.workers))
	for name := range t.workers {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, ok := t.Snapshot(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Active 返回 worker 当前在途任务数（不存在时返回 0, false）
func (t *Tracker) Active(workerName string) (int32, bool) {
	snap, ok := t.Snapshot(workerName)
	if !ok {
		return 0, false
	}
	return snap.Active, true
}

func (t *Tracker) get(workerName string) (*workerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ws, ok := t.workers[workerName]
	return ws, ok
}

func utilization(active, max int32) float64 {
	if max <= 0 {
		return 1
	}
	return float64(active) / float64(max)
}
