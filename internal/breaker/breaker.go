// Package breaker 实现按 worker 独立评估的熔断器。
// 熔断器是 worker 可用性的唯一闸门：Open 状态的 worker 不会收到任何任务，
// HalfOpen 状态最多放行 probe_limit 个探测任务。
// 它不检查任务内容，失败分类由调用方通过 Outcome 提供。
package breaker

import (
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold 连续失败次数阈值
	DefaultFailureThreshold = 5

	// DefaultResetTimeout Open → HalfOpen 的等待时间
	DefaultResetTimeout = 60 * time.Second

	// DefaultProbeLimit HalfOpen 状态放行的探测任务上限
	DefaultProbeLimit = 3

	// DefaultFailureWindow 连续失败计数的滚动窗口
	DefaultFailureWindow = time.Minute

	// maxResetTimeout 指数退避的 reset_timeout 上限
	maxResetTimeout = 10 * time.Minute
)

// Config 熔断器参数
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	ProbeLimit       int
	FailureWindow    time.Duration
}

// DefaultConfig 返回缺省熔断器参数
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		ProbeLimit:       DefaultProbeLimit,
		FailureWindow:    DefaultFailureWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.ProbeLimit <= 0 {
		c.ProbeLimit = DefaultProbeLimit
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	return c
}

// Breaker 单个 worker 的熔断器。
// 状态机：Closed --连续 failure_threshold 次失败--> Open
//
//	Open --reset_timeout 到期--> HalfOpen
//	HalfOpen --任一探测失败--> Open（reset_timeout 指数退避）
//	HalfOpen --全部探测成功--> Closed（计数清零）
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	resetTimeout        time.Duration // 当前退避后的 reset_timeout
	probesSent          int
	probeSuccesses      int
}

// New 创建熔断器
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:          cfg,
		state:        StateClosed,
		resetTimeout: cfg.ResetTimeout,
	}
}

// Allow 询问是否允许向该 worker 派发任务。
// HalfOpen 下每次放行都计入探测配额，配额用尽后拒绝，
// 直到探测结果通过 OnSuccess/OnFailure 反馈回来改变状态。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.probesSent = 1
			b.probeSuccesses = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.probesSent < b.cfg.ProbeLimit {
			b.probesSent++
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess 反馈一次成功结果
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.ProbeLimit {
			// 全部探测成功，恢复 Closed 并重置退避
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.probesSent = 0
			b.probeSuccesses = 0
			b.resetTimeout = b.cfg.ResetTimeout
		}
	}
}

// OnFailure 反馈一次失败结果（调用方已完成失败分类，取消不会走到这里）
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		// 滚动窗口外的旧失败不再连续
		if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.FailureWindow {
			b.consecutiveFailures = 0
		}
		b.consecutiveFailures++
		b.lastFailureAt = now
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(now, false)
		}
	case StateHalfOpen:
		// 探测期任一失败：回到 Open，reset_timeout 指数退避
		b.lastFailureAt = now
		b.trip(now, true)
	}
}

// trip 进入 Open 状态。backoff 为 true 时对 reset_timeout 翻倍。
func (b *Breaker) trip(now time.Time, backoff bool) {
	b.state = StateOpen
	b.openedAt = now
	b.probesSent = 0
	b.probeSuccesses = 0
	if backoff {
		b.resetTimeout *= 2
		if b.resetTimeout > maxResetTimeout {
			b.resetTimeout = maxResetTimeout
		}
	}
}

// State 当前状态的只读视图。Open 超时后报告 HalfOpen，
// 让候选过滤能看到可探测的 worker；真正的状态迁移发生在 Allow 内。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// ConsecutiveFailures 当前连续失败计数
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// ResetTimeout 当前（可能已退避的）reset_timeout
func (b *Breaker) ResetTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetTimeout
}

// Set 按 worker 名称管理的一组熔断器
type Set struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewSet 创建熔断器组合
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		breakers: map[string]*Breaker{},
	}
}

// Ensure 获取或创建指定 worker 的熔断器
func (s *Set) Ensure(workerName string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[workerName]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[workerName]; ok {
		return b
	}
	b = New(s.cfg)
	s.breakers[workerName] = b
	return b
}

// Get 获取指定 worker 的熔断器
func (s *Set) Get(workerName string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[workerName]
	return b, ok
}

// Remove 移除指定 worker 的熔断器
func (s *Set) Remove(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, workerName)
}

// States 返回所有 worker 的熔断器状态
func (s *Set) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}
