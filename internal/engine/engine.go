// Package engine 组装调度引擎：优先级队列、容量追踪、熔断、匹配、
// 派发与再平衡监控，对外暴露提交/取消/注册/上报等操作。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/breaker"
	"github.com/azhengyongqin/dispatch-hub/internal/capacity"
	"github.com/azhengyongqin/dispatch-hub/internal/logger"
	"github.com/azhengyongqin/dispatch-hub/internal/matcher"
	"github.com/azhengyongqin/dispatch-hub/internal/metrics"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	"github.com/azhengyongqin/dispatch-hub/internal/pqueue"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// Executor 把任务实际推给 worker。引擎只负责决策，
// 推送失败由引擎统一回收容量并走重试。
type Executor interface {
	// Assign 将任务推给 worker。返回 error 表示信号没有送达。
	Assign(ctx context.Context, worker workers.Config, task *model.Task) error
	// Cancel 请求 worker 停止正在执行的任务。尽力而为。
	Cancel(ctx context.Context, worker workers.Config, taskID string) error
}

// Archiver 把终态任务落库。可为 nil（不落库）。
type Archiver interface {
	ArchiveTask(ctx context.Context, task *model.Task) error
	RecordAttempt(ctx context.Context, taskID, workerName string, attempt int32, outcome model.Outcome) error
}

// StatusCache 终态任务的快速查询缓存。可为 nil（只查内存）。
type StatusCache interface {
	SetTaskStatus(ctx context.Context, task *model.Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error)
}

// Config 引擎的全部可调参数。零值字段在 New 里回填默认值。
type Config struct {
	DispatcherConcurrency int           // 派发循环的并发数
	QueueDepthLimit       int           // 四级队列总深度上限
	MaxRetries            int32         // 每任务最大重试次数。0 表示失败即死信，负值取默认
	RetryBaseDelay        time.Duration // 重试退避基数
	RetryMaxDelay         time.Duration // 重试退避上限
	RequeueDelay          time.Duration // 无可用 worker 时的重新入队延迟

	Breaker breaker.Config

	// AgingThresholds[p] 是 P(p) 任务等待多久后提升一级。
	// 为 0 的级别不提升；全 0 表示完全关闭饥饿提升。
	AgingThresholds [model.PriorityLevels]time.Duration

	RebalanceInterval time.Duration
	VarianceThreshold float64 // 触发再平衡的利用率极差
	BiasDecisions     int     // 偏置生效的决策次数
	BiasStep          float64 // 注入给低载 worker 的容量分偏置

	HeartbeatTTL time.Duration // 超过该时长未心跳的 worker 不参与匹配

	EWMAAlpha           float64
	DegradedUtilization float64
}

// DefaultConfig 返回生产默认值
func DefaultConfig() Config {
	return Config{
		DispatcherConcurrency: 4,
		QueueDepthLimit:       pqueue.DefaultDepthLimit,
		MaxRetries:            3,
		RetryBaseDelay:        500 * time.Millisecond,
		RetryMaxDelay:         30 * time.Second,
		RequeueDelay:          time.Second,
		Breaker:               breaker.Config{},
		AgingThresholds: [model.PriorityLevels]time.Duration{
			0, 0, 30 * time.Second, 60 * time.Second,
		},
		RebalanceInterval:   5 * time.Second,
		VarianceThreshold:   0.1,
		BiasDecisions:       50,
		BiasStep:            0.2,
		HeartbeatTTL:        30 * time.Second,
		EWMAAlpha:           capacity.DefaultAlpha,
		DegradedUtilization: capacity.DefaultDegradedUtilization,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DispatcherConcurrency <= 0 {
		c.DispatcherConcurrency = d.DispatcherConcurrency
	}
	if c.QueueDepthLimit <= 0 {
		c.QueueDepthLimit = d.QueueDepthLimit
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = d.RequeueDelay
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = d.RebalanceInterval
	}
	if c.VarianceThreshold <= 0 {
		c.VarianceThreshold = d.VarianceThreshold
	}
	if c.BiasDecisions <= 0 {
		c.BiasDecisions = d.BiasDecisions
	}
	if c.BiasStep <= 0 {
		c.BiasStep = d.BiasStep
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	if c.EWMAAlpha <= 0 {
		c.EWMAAlpha = d.EWMAAlpha
	}
	if c.DegradedUtilization <= 0 {
		c.DegradedUtilization = d.DegradedUtilization
	}
	return c
}

// Engine 调度引擎。repo 和 cache 允许为 nil：
// 没配 Postgres/Redis 时终态任务只留在内存里。
type Engine struct {
	cfg Config

	store    *workers.Store
	tracker  *capacity.Tracker
	breakers *breaker.Set
	queue    *pqueue.Tier
	matcher  *matcher.Matcher
	exec     Executor
	repo     Archiver
	cache    StatusCache

	mu       sync.RWMutex
	inflight map[string]*model.Task // assigned / processing
	terminal map[string]*model.Task // 近期终态任务的内存兜底

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func New(cfg Config, exec Executor, repo Archiver, cache StatusCache) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    workers.NewStore(),
		tracker: capacity.NewTracker(
			capacity.WithAlpha(cfg.EWMAAlpha),
			capacity.WithDegradedUtilization(cfg.DegradedUtilization),
		),
		breakers: breaker.NewSet(cfg.Breaker),
		queue:    pqueue.NewTier(cfg.QueueDepthLimit),
		matcher:  matcher.New(cfg.HeartbeatTTL),
		exec:     exec,
		repo:     repo,
		cache:    cache,
		inflight: map[string]*model.Task{},
		terminal: map[string]*model.Task{},
	}
}

// Start 启动派发循环和监控循环。重复调用无效果。
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.DispatcherConcurrency; i++ {
		e.wg.Add(1)
		go e.runDispatcher(e.runCtx, i)
	}
	e.wg.Add(1)
	go e.runMonitor(e.runCtx)

	logger.Info().
		Int("dispatchers", e.cfg.DispatcherConcurrency).
		Int("queue_depth_limit", e.cfg.QueueDepthLimit).
		Msg("调度引擎已启动")
}

// Stop 停止引擎并等待循环退出。队列里未派发的任务原地保留。
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.queue.Close()
	e.wg.Wait()
	logger.Info().Msg("调度引擎已停止")
}

// Submit 校验任务并放入优先级队列。
// 队列总深度达到上限时返回 ErrQueueSaturated，调用方应退避。
func (e *Engine) Submit(ctx context.Context, task *model.Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: 缺少任务 ID", ErrInvalidTask)
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}

	now := time.Now()
	task.Status = model.TaskStatusQueued
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = now
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}

	if err := e.queue.Push(task); err != nil {
		if err == pqueue.ErrClosed {
			return ErrEngineClosed
		}
		metrics.RecordError("engine", "queue_saturated")
		return err
	}

	metrics.RecordTaskSubmitted(task.Priority.String())
	e.cacheStatus(ctx, task)
	logger.WithTaskID(task.ID).Debug().
		Str("priority", task.Priority.String()).
		Msg("任务已入队")
	return nil
}

// Cancel 取消任务。排队中的任务同步移除；执行中的任务把取消请求
// 转发给 worker，等 worker 上报 cancelled 结局后才落终态。
func (e *Engine) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	if task, ok := e.queue.Cancel(taskID); ok {
		task.Status = model.TaskStatusCancelled
		e.finalize(ctx, task, model.Outcome{Kind: model.OutcomeCancelled})
		return task, nil
	}

	e.mu.RLock()
	task, ok := e.inflight[taskID]
	e.mu.RUnlock()
	if ok {
		worker, found := e.store.Get(task.AssignedWorker)
		if found && e.exec != nil {
			if err := e.exec.Cancel(ctx, worker, taskID); err != nil {
				logger.WithTaskID(taskID).Warn().Err(err).Msg("取消请求转发失败")
			}
		}
		// 在途任务还会被 worker 上报改写，返回副本
		return task.Clone(), nil
	}

	if t := e.lookupTerminal(ctx, taskID); t != nil {
		return t, ErrTaskNotCancellable
	}
	return nil, ErrTaskNotFound
}

// RegisterWorker 注册或更新 worker，并接通容量追踪与熔断器
func (e *Engine) RegisterWorker(cfg workers.Config) (workers.Config, error) {
	saved, err := e.store.Upsert(cfg)
	if err != nil {
		return workers.Config{}, err
	}
	e.tracker.Register(saved.WorkerName, saved.MaxConcurrency)
	e.breakers.Ensure(saved.WorkerName)
	metrics.UpdateWorkerStats(len(e.store.List()))
	logger.WithWorkerName(saved.WorkerName).Info().
		Strs("capabilities", saved.Capabilities).
		Int32("max_concurrency", saved.MaxConcurrency).
		Msg("worker 已注册")
	return saved, nil
}

// DeregisterWorker 注销 worker。
// drain=true 只标记排空：在途任务允许完成，监控循环在容量归零后
// 真正移除。drain=false 立即移除，在途任务回到队列重新派发。
func (e *Engine) DeregisterWorker(name string, drain bool) error {
	if _, ok := e.store.Get(name); !ok {
		return ErrWorkerNotFound
	}

	if drain {
		if err := e.store.MarkDraining(name); err != nil {
			return err
		}
		logger.WithWorkerName(name).Info().Msg("worker 进入排空")
		return nil
	}

	// 先移除再回队：避免孤儿任务被重新派给正在注销的 worker
	e.removeWorker(name)
	e.requeueInflightOf(name)
	logger.WithWorkerName(name).Info().Msg("worker 已立即注销")
	return nil
}

// Heartbeat 刷新 worker 心跳
func (e *Engine) Heartbeat(name string) error {
	if err := e.store.UpdateHeartbeat(name); err != nil {
		return ErrWorkerNotFound
	}
	return nil
}

// MarkProcessing worker 确认开始执行时调用
func (e *Engine) MarkProcessing(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.inflight[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if model.CanTransition(task.Status, model.TaskStatusProcessing) {
		task.Status = model.TaskStatusProcessing
	}
	return nil
}

// ReportOutcome worker 上报任务结局。成功与失败都走这里：
// 容量释放、熔断反馈、重试/死信判定全部集中处理。
// 上报者必须是任务当前的受派 worker：任务被转派后，原 worker 的
// 迟到上报会释放别人的配额、污染别人的统计，必须拒绝。
func (e *Engine) ReportOutcome(ctx context.Context, taskID, workerName string, outcome model.Outcome) error {
	e.mu.Lock()
	task, ok := e.inflight[taskID]
	if ok && task.AssignedWorker != workerName {
		assigned := task.AssignedWorker
		e.mu.Unlock()
		logger.WithTaskID(taskID).Warn().
			Str("reporter", workerName).
			Str("assigned", assigned).
			Msg("上报者不是受派 worker，拒绝")
		return ErrWorkerMismatch
	}
	if ok {
		delete(e.inflight, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	e.tracker.Release(workerName, outcome)

	if br, found := e.breakers.Get(workerName); found {
		if outcome.Kind.CountsAsFailure() {
			br.OnFailure()
		} else if outcome.Kind == model.OutcomeSuccess {
			br.OnSuccess()
		}
	}
	metrics.RecordTaskCompleted(workerName, string(outcome.Kind))
	e.recordAttempt(ctx, task, outcome)

	switch outcome.Kind {
	case model.OutcomeSuccess:
		task.Status = model.TaskStatusCompleted
		e.finalize(ctx, task, outcome)
	case model.OutcomeCancelled:
		task.Status = model.TaskStatusCancelled
		e.finalize(ctx, task, outcome)
	default:
		task.Status = model.TaskStatusFailed
		task.LastError = outcome.Error
		e.scheduleRetry(task, outcome.Error)
	}
	return nil
}

// Status 查询任务当前状态：队列 → 在途 → 终态（内存/缓存/归档）
func (e *Engine) Status(ctx context.Context, taskID string) (*model.Task, error) {
	if task, ok := e.queue.Get(taskID); ok {
		return task, nil
	}

	e.mu.RLock()
	task, ok := e.inflight[taskID]
	e.mu.RUnlock()
	if ok {
		return task.Clone(), nil
	}

	if t := e.lookupTerminal(ctx, taskID); t != nil {
		return t, nil
	}
	return nil, ErrTaskNotFound
}

// WorkerSnapshots 返回全部 worker 的负载快照
func (e *Engine) WorkerSnapshots() []capacity.Snapshot {
	return e.tracker.Snapshots()
}

// Workers 返回全部 worker 配置
func (e *Engine) Workers() []workers.Config {
	return e.store.List()
}

// Store 返回 worker 注册表
func (e *Engine) Store() *workers.Store {
	return e.store
}

// Tracker 返回容量追踪器
func (e *Engine) Tracker() *capacity.Tracker {
	return e.tracker
}

// BreakerStates 返回每个 worker 的熔断器状态
func (e *Engine) BreakerStates() map[string]string {
	return e.breakers.States()
}

// QueueDepths 返回每级队列的深度
func (e *Engine) QueueDepths() [model.PriorityLevels]int {
	return e.queue.Depths()
}

// InflightCount 返回在途任务数
func (e *Engine) InflightCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.inflight)
}

// finalize 任务落终态：归档、缓存、内存兜底
func (e *Engine) finalize(ctx context.Context, task *model.Task, outcome model.Outcome) {
	e.mu.Lock()
	e.terminal[task.ID] = task
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.ArchiveTask(ctx, task); err != nil {
			logger.WithTaskID(task.ID).Error().Err(err).Msg("任务归档失败")
			metrics.RecordError("engine", "archive")
		}
	}
	e.cacheStatus(ctx, task)
	logger.WithTaskID(task.ID).Info().
		Str("status", string(task.Status)).
		Str("worker", task.AssignedWorker).
		Msg("任务落终态")
}

func (e *Engine) recordAttempt(ctx context.Context, task *model.Task, outcome model.Outcome) {
	if e.repo == nil || task.AssignedWorker == "" {
		return
	}
	if err := e.repo.RecordAttempt(ctx, task.ID, task.AssignedWorker, task.RetryCount, outcome); err != nil {
		logger.WithTaskID(task.ID).Warn().Err(err).Msg("执行记录写入失败")
	}
}

func (e *Engine) cacheStatus(ctx context.Context, task *model.Task) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetTaskStatus(ctx, task); err != nil {
		logger.WithTaskID(task.ID).Warn().Err(err).Msg("状态缓存写入失败")
	}
}

func (e *Engine) lookupTerminal(ctx context.Context, taskID string) *model.Task {
	e.mu.RLock()
	task, ok := e.terminal[taskID]
	e.mu.RUnlock()
	if ok {
		return task
	}
	if e.cache != nil {
		if t, err := e.cache.GetTaskStatus(ctx, taskID); err == nil && t != nil {
			return t
		}
	}
	return nil
}

// requeueInflightOf 把指定 worker 的在途任务放回队列。
// 重试计数不增加：worker 消失不算任务本身的失败。
func (e *Engine) requeueInflightOf(name string) {
	e.mu.Lock()
	var orphans []*model.Task
	for id, task := range e.inflight {
		if task.AssignedWorker == name {
			orphans = append(orphans, task)
			delete(e.inflight, id)
		}
	}
	e.mu.Unlock()

	for _, task := range orphans {
		task.Status = model.TaskStatusQueued
		task.AssignedWorker = ""
		if err := e.queue.Push(task); err != nil {
			if errors.Is(err, pqueue.ErrClosed) {
				// 停机路径：未派发的任务原地保留，不算死信
				continue
			}
			logger.WithTaskID(task.ID).Error().Err(err).Msg("在途任务回队失败，转入死信")
			e.deadLetter(context.Background(), task, "requeue_failed")
		}
	}
}

func (e *Engine) removeWorker(name string) {
	_ = e.store.Delete(name)
	e.tracker.Remove(name)
	e.breakers.Remove(name)
	metrics.UpdateWorkerStats(len(e.store.List()))
}
