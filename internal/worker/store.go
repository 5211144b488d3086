package workers

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config 是 worker 配置的完整信息
type Config struct {
	WorkerName      string     `json:"worker_name"`
	BaseURL         string     `json:"base_url,omitempty"`
	Capabilities    []string   `json:"capabilities"`
	MaxConcurrency  int32      `json:"max_concurrency"`
	Cost            float64    `json:"cost"`
	IsEnabled       bool       `json:"is_enabled"`
	Draining        bool       `json:"draining,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// HasCapability 检查 worker 是否声明了指定能力
func (c Config) HasCapability(capability string) bool {
	for _, cap := range c.Capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

// Covers 检查 worker 的能力集合是否覆盖全部要求
func (c Config) Covers(requirements []string) bool {
	for _, req := range requirements {
		if !c.HasCapability(req) {
			return false
		}
	}
	return true
}

// HeartbeatFresh 检查心跳是否在 ttl 内。从未上报过心跳视为新鲜
// （刚注册尚未发出第一次心跳的 worker 不应被排除）。
func (c Config) HeartbeatFresh(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || c.LastHeartbeatAt == nil {
		return true
	}
	return now.Sub(*c.LastHeartbeatAt) <= ttl
}

type Store struct {
	mu    sync.RWMutex
	items map[string]Config // key: worker_name
}

func NewStore() *Store {
	return &Store{
		items: map[string]Config{},
	}
}

// List 返回所有 worker 配置
func (s *Store) List() []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Config, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}

	// 按 worker_name 排序
	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkerName < out[j].WorkerName
	})

	return out
}

// Get 获取指定 worker 的配置
func (s *Store) Get(workerName string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[workerName]
	return v, ok
}

// Upsert 创建或更新 worker 配置
func (s *Store) Upsert(c Config) (Config, error) {
	c.WorkerName = strings.TrimSpace(c.WorkerName)
	if c.WorkerName == "" {
		return Config{}, errors.New("worker_name 不能为空")
	}

	// 验证 Capabilities
	if len(c.Capabilities) == 0 {
		return Config{}, errors.New("capabilities 不能为空")
	}
	for i, cap := range c.Capabilities {
		c.Capabilities[i] = strings.TrimSpace(cap)
		if c.Capabilities[i] == "" {
			return Config{}, errors.New("capability 不能为空字符串")
		}
	}

	// 设置默认值
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.Cost < 0 {
		return Config{}, errors.New("cost 不能为负")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 更新时保留已有的心跳与 draining 状态
	if prev, ok := s.items[c.WorkerName]; ok {
		if c.LastHeartbeatAt == nil {
			c.LastHeartbeatAt = prev.LastHeartbeatAt
		}
		c.Draining = prev.Draining
	}
	s.items[c.WorkerName] = c
	return c, nil
}

// UpdateHeartbeat 更新 worker 的心跳时间
func (s *Store) UpdateHeartbeat(workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.items[workerName]
	if !ok {
		return errors.New("worker 不存在")
	}

	now := time.Now()
	worker.LastHeartbeatAt = &now
	s.items[workerName] = worker
	return nil
}

// MarkDraining 标记 worker 进入排空状态：不再分配新任务，
// 在途任务允许完成。
func (s *Store) MarkDraining(workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.items[workerName]
	if !ok {
		return errors.New("worker 不存在")
	}

	worker.Draining = true
	s.items[workerName] = worker
	return nil
}

// Delete 删除指定 worker
func (s *Store) Delete(workerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[workerName]; !ok {
		return errors.New("worker 不存在")
	}

	delete(s.items, workerName)
	return nil
}
