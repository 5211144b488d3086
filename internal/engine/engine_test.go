package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/dispatch-hub/internal/breaker"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// fakeExecutor 记录派发顺序，可注入信号失败和自动回报
type fakeExecutor struct {
	mu      sync.Mutex
	assigns []assignment
	cancels []string

	// onAssign 非 nil 时决定 Assign 的返回值
	onAssign func(worker workers.Config, task *model.Task) error
}

type assignment struct {
	Worker   string
	TaskID   string
	Priority model.Priority
}

func (f *fakeExecutor) Assign(_ context.Context, worker workers.Config, task *model.Task) error {
	f.mu.Lock()
	f.assigns = append(f.assigns, assignment{
		Worker:   worker.WorkerName,
		TaskID:   task.ID,
		Priority: task.Priority,
	})
	f.mu.Unlock()
	if f.onAssign != nil {
		return f.onAssign(worker, task)
	}
	return nil
}

func (f *fakeExecutor) Cancel(_ context.Context, _ workers.Config, taskID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, taskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) assignments() []assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]assignment, len(f.assigns))
	copy(out, f.assigns)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DispatcherConcurrency = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	cfg.RequeueDelay = 2 * time.Millisecond
	cfg.RebalanceInterval = 10 * time.Millisecond
	cfg.Breaker = breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		ProbeLimit:       1,
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, exec Executor) *Engine {
	t.Helper()
	e := New(cfg, exec, nil, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func submitTask(t *testing.T, e *Engine, id string, p model.Priority) *model.Task {
	t.Helper()
	task := &model.Task{ID: id, Priority: p}
	require.NoError(t, e.Submit(context.Background(), task))
	return task
}

func TestEngine_SubmitDispatchComplete(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:   "w1",
		Capabilities: []string{"general"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	submitTask(t, e, "t1", model.PriorityP1)

	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond, "任务应被派发")

	got := exec.assignments()[0]
	assert.Equal(t, "w1", got.Worker)
	assert.Equal(t, "t1", got.TaskID)

	// worker 上报成功
	require.NoError(t, e.ReportOutcome(context.Background(),
		"t1", "w1", model.Outcome{Kind: model.OutcomeSuccess, Latency: 20 * time.Millisecond}))

	task, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)

	// 容量已释放，成功计入统计
	snap, ok := e.tracker.Snapshot("w1")
	require.True(t, ok)
	assert.Equal(t, int32(0), snap.Active)
	assert.Equal(t, int64(1), snap.Stats.Completed)
}

func TestEngine_SubmitValidation(t *testing.T) {
	e := New(testConfig(), nil, nil, nil)

	err := e.Submit(context.Background(), &model.Task{ID: "t1", Priority: 7})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	err = e.Submit(context.Background(), &model.Task{Priority: model.PriorityP1})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestEngine_QueueSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepthLimit = 3
	e := New(cfg, nil, nil, nil) // 不启动：任务留在队列里

	for i := 0; i < 3; i++ {
		submitTask(t, e, fmt.Sprintf("t%d", i), model.PriorityP2)
	}

	err := e.Submit(context.Background(), &model.Task{ID: "t-extra", Priority: model.PriorityP0})
	assert.ErrorIs(t, err, ErrQueueSaturated, "总深度达到上限应拒绝任何优先级的提交")
}

func TestEngine_StrictPriorityDispatchOrder(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.DispatcherConcurrency = 1 // 单循环保证派发顺序可观测
	e := New(cfg, exec, nil, nil)
	t.Cleanup(e.Stop)

	// 容量充足：派发顺序就是出队顺序
	for _, name := range []string{"w1", "w2"} {
		_, err := e.RegisterWorker(workers.Config{
			WorkerName:     name,
			Capabilities:   []string{"general"},
			MaxConcurrency: 10,
			IsEnabled:      true,
		})
		require.NoError(t, err)
	}

	// 先提交 P3 再提交 P0，出队必须 P0 在前
	for i := 0; i < 10; i++ {
		submitTask(t, e, fmt.Sprintf("p3-%d", i), model.PriorityP3)
	}
	for i := 0; i < 10; i++ {
		submitTask(t, e, fmt.Sprintf("p0-%d", i), model.PriorityP0)
	}

	e.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 20
	}, 2*time.Second, time.Millisecond)

	got := exec.assignments()
	for i := 0; i < 10; i++ {
		assert.Equal(t, model.PriorityP0, got[i].Priority, "前 10 个派发必须全是 P0")
	}
	for i := 10; i < 20; i++ {
		assert.Equal(t, model.PriorityP3, got[i].Priority)
	}
}

func TestEngine_CapacityNeverExceeded(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:     "w1",
		Capabilities:   []string{"general"},
		MaxConcurrency: 2,
		IsEnabled:      true,
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		submitTask(t, e, fmt.Sprintf("t%d", i), model.PriorityP1)
	}

	// worker 不回报：在途数必须停在 max_concurrency
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 2
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, exec.assignments(), 2, "并发派发不能超过 max_concurrency")
	assert.Equal(t, 2, e.InflightCount())

	// 回报一个，空出的配额应被下一个任务拿走
	first := exec.assignments()[0]
	require.NoError(t, e.ReportOutcome(context.Background(),
		first.TaskID, first.Worker, model.Outcome{Kind: model.OutcomeSuccess}))

	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 3
	}, time.Second, time.Millisecond)
}

func TestEngine_RetryThenDeadLetter(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.MaxRetries = 3
	e := newTestEngine(t, cfg, exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:   "w1",
		Capabilities: []string{"general"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	// 每次派发都上报失败
	exec.onAssign = func(w workers.Config, task *model.Task) error {
		go func() {
			_ = e.ReportOutcome(context.Background(),
				task.ID, w.WorkerName, model.Outcome{Kind: model.OutcomeFailure, Error: "boom"})
		}()
		return nil
	}

	submitTask(t, e, "t1", model.PriorityP1)

	require.Eventually(t, func() bool {
		task, err := e.Status(context.Background(), "t1")
		return err == nil && task.Status == model.TaskStatusDeadLettered
	}, 2*time.Second, time.Millisecond, "重试耗尽后应转入死信")

	// 首次执行 + max_retries 次重试，之后绝不再派发
	assert.Len(t, exec.assignments(), 4, "总尝试次数应为 1+max_retries")

	task, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(4), task.RetryCount)
	assert.Equal(t, "boom", task.LastError)
}

func TestEngine_SignalFailureReleasesCapacity(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.MaxRetries = 1
	e := newTestEngine(t, cfg, exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:     "w1",
		Capabilities:   []string{"general"},
		MaxConcurrency: 1,
		IsEnabled:      true,
	})
	require.NoError(t, err)

	exec.onAssign = func(workers.Config, *model.Task) error {
		return fmt.Errorf("connection refused")
	}

	submitTask(t, e, "t1", model.PriorityP1)

	require.Eventually(t, func() bool {
		task, err := e.Status(context.Background(), "t1")
		return err == nil && task.Status == model.TaskStatusDeadLettered
	}, 2*time.Second, time.Millisecond)

	// 信号失败必须无条件释放预约
	snap, ok := e.tracker.Snapshot("w1")
	require.True(t, ok)
	assert.Equal(t, int32(0), snap.Active, "信号失败后配额不能泄漏")
}

func TestEngine_ExpiredTaskDeadLettered(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	e := New(cfg, exec, nil, nil)
	t.Cleanup(e.Stop)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:   "w1",
		Capabilities: []string{"general"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	task := &model.Task{ID: "t1", Priority: model.PriorityP0, Deadline: time.Now().Add(-time.Second)}
	require.NoError(t, e.Submit(context.Background(), task))

	e.Start(context.Background())

	require.Eventually(t, func() bool {
		got, err := e.Status(context.Background(), "t1")
		return err == nil && got.Status == model.TaskStatusDeadLettered
	}, time.Second, time.Millisecond, "过期任务出队时应直接转入死信")

	assert.Empty(t, exec.assignments(), "过期任务不应派发")
}

func TestEngine_NoEligibleWorkerKeepsTaskQueued(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:   "w1",
		Capabilities: []string{"cpu"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	task := &model.Task{ID: "t1", Priority: model.PriorityP1, Requirements: []string{"gpu"}}
	require.NoError(t, e.Submit(context.Background(), task))

	// 没有满足要求的 worker：任务反复回队，不丢失也不死信
	time.Sleep(50 * time.Millisecond)
	got, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, got.Status)
	assert.Empty(t, exec.assignments())

	// 注册合格 worker 后任务被派发
	_, err = e.RegisterWorker(workers.Config{
		WorkerName:   "w2",
		Capabilities: []string{"gpu"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "w2", exec.assignments()[0].Worker)
}

func TestEngine_CancelQueuedTask(t *testing.T) {
	e := New(testConfig(), nil, nil, nil) // 不启动：任务停在队列

	submitTask(t, e, "t1", model.PriorityP2)

	task, err := e.Cancel(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)

	got, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)

	// 终态任务再取消应报错
	_, err = e.Cancel(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrTaskNotCancellable)

	_, err = e.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEngine_CancelInflightForwardsToWorker(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:   "w1",
		Capabilities: []string{"general"},
		IsEnabled:    true,
	})
	require.NoError(t, err)

	submitTask(t, e, "t1", model.PriorityP1)
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond)

	// 执行中的取消是尽力而为：转发给 worker，状态不变
	got, err := e.Cancel(context.Background(), "t1")
	require.NoError(t, err)

	e.mu.RLock()
	live := e.inflight["t1"]
	e.mu.RUnlock()
	assert.NotSame(t, live, got, "在途任务的查询结果应是副本")
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.cancels) == 1
	}, time.Second, time.Millisecond)

	// worker 确认取消后落终态，统计不受污染
	require.NoError(t, e.ReportOutcome(context.Background(),
		"t1", "w1", model.Outcome{Kind: model.OutcomeCancelled}))
	got, err = e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)

	snap, _ := e.tracker.Snapshot("w1")
	assert.Equal(t, int64(0), snap.Stats.Completed)
	assert.Equal(t, int64(0), snap.Stats.Failed)
}

func TestEngine_BreakerTripsAndRecovers(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.Breaker.FailureThreshold = 2
	e := newTestEngine(t, cfg, exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:     "w1",
		Capabilities:   []string{"general"},
		MaxConcurrency: 10,
		IsEnabled:      true,
	})
	require.NoError(t, err)

	// 同一任务失败两次（首次 + 重试）：熔断打开，任务同时重试耗尽
	submitTask(t, e, "bad", model.PriorityP1)
	for i := 1; i <= 2; i++ {
		require.Eventually(t, func() bool {
			return len(exec.assignments()) == i
		}, time.Second, time.Millisecond)
		require.NoError(t, e.ReportOutcome(context.Background(),
			"bad", "w1", model.Outcome{Kind: model.OutcomeFailure, Error: "boom"}))
	}

	require.Eventually(t, func() bool {
		task, err := e.Status(context.Background(), "bad")
		return err == nil && task.Status == model.TaskStatusDeadLettered
	}, time.Second, time.Millisecond)
	require.Equal(t, "open", e.BreakerStates()["w1"], "连续失败达到阈值应熔断")

	// 熔断期间新任务不派发
	submitTask(t, e, "blocked", model.PriorityP0)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, exec.assignments(), 2, "熔断的 worker 不应再收到任务")

	// reset_timeout 后放探测，探测成功恢复
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 3
	}, time.Second, time.Millisecond, "超时后应放行探测任务")

	require.NoError(t, e.ReportOutcome(context.Background(),
		"blocked", "w1", model.Outcome{Kind: model.OutcomeSuccess}))
	require.Eventually(t, func() bool {
		return e.BreakerStates()["w1"] == "closed"
	}, time.Second, time.Millisecond, "探测全部成功应恢复")
}

func TestEngine_DeregisterImmediateRequeuesInflight(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	for _, name := range []string{"w1", "w2"} {
		_, err := e.RegisterWorker(workers.Config{
			WorkerName:     name,
			Capabilities:   []string{"general"},
			MaxConcurrency: 1,
			IsEnabled:      true,
		})
		require.NoError(t, err)
	}

	submitTask(t, e, "t1", model.PriorityP1)
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond)

	victim := exec.assignments()[0].Worker

	require.NoError(t, e.DeregisterWorker(victim, false))
	_, ok := e.store.Get(victim)
	assert.False(t, ok, "立即注销应马上移除")

	// 在途任务回队并由另一个 worker 接手，重试计数不变
	require.Eventually(t, func() bool {
		got := exec.assignments()
		return len(got) == 2 && got[1].Worker != victim
	}, time.Second, time.Millisecond, "孤儿任务应转派给存活 worker")

	task, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), task.RetryCount, "worker 消失不算任务失败")
}

func TestEngine_DeregisterDrain(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:     "w1",
		Capabilities:   []string{"general"},
		MaxConcurrency: 2,
		IsEnabled:      true,
	})
	require.NoError(t, err)

	submitTask(t, e, "t1", model.PriorityP1)
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, e.DeregisterWorker("w1", true))

	// 排空中的 worker 不接新任务，在途任务允许完成
	submitTask(t, e, "t2", model.PriorityP0)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, exec.assignments(), 1, "排空的 worker 不应再接任务")

	require.NoError(t, e.ReportOutcome(context.Background(),
		"t1", "w1", model.Outcome{Kind: model.OutcomeSuccess}))

	// 在途清零后监控循环移除 worker
	require.Eventually(t, func() bool {
		_, ok := e.store.Get("w1")
		return !ok
	}, time.Second, time.Millisecond, "排空完成后应移除 worker")
}

func TestEngine_AgingPromotion(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.AgingThresholds = [model.PriorityLevels]time.Duration{0, 0, 500 * time.Millisecond, 30 * time.Millisecond}
	e := New(cfg, exec, nil, nil)
	t.Cleanup(e.Stop)

	submitTask(t, e, "t1", model.PriorityP3)
	e.Start(context.Background())

	// 没有 worker，任务一直排队；监控循环应把它提到 P2
	require.Eventually(t, func() bool {
		task, err := e.Status(context.Background(), "t1")
		return err == nil && task.Priority == model.PriorityP2
	}, 2*time.Second, 5*time.Millisecond, "等待超过阈值的 P3 任务应提升")
}

func TestEngine_ReportOutcomeRejectsNonAssignee(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, testConfig(), exec)

	_, err := e.RegisterWorker(workers.Config{
		WorkerName:     "w1",
		Capabilities:   []string{"general"},
		MaxConcurrency: 1,
		IsEnabled:      true,
	})
	require.NoError(t, err)

	submitTask(t, e, "t1", model.PriorityP1)
	require.Eventually(t, func() bool {
		return len(exec.assignments()) == 1
	}, time.Second, time.Millisecond)

	// 非受派 worker 的上报被拒绝，配额不释放
	err = e.ReportOutcome(context.Background(), "t1", "w2", model.Outcome{Kind: model.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrWorkerMismatch)
	snap, ok := e.tracker.Snapshot("w1")
	require.True(t, ok)
	assert.Equal(t, int32(1), snap.Active, "伪造来源的上报不能释放配额")

	// w1 注销后任务转派给 w2，原 worker 的迟到上报同样被拒绝
	_, err = e.RegisterWorker(workers.Config{
		WorkerName:     "w2",
		Capabilities:   []string{"general"},
		MaxConcurrency: 1,
		IsEnabled:      true,
	})
	require.NoError(t, err)
	require.NoError(t, e.DeregisterWorker("w1", false))

	require.Eventually(t, func() bool {
		got := exec.assignments()
		return len(got) == 2 && got[1].Worker == "w2"
	}, time.Second, time.Millisecond)

	err = e.ReportOutcome(context.Background(), "t1", "w1",
		model.Outcome{Kind: model.OutcomeFailure, Error: "late"})
	assert.ErrorIs(t, err, ErrWorkerMismatch)
	snap, ok = e.tracker.Snapshot("w2")
	require.True(t, ok)
	assert.Equal(t, int32(1), snap.Active)
	assert.Equal(t, int64(0), snap.Stats.Failed, "迟到上报不能污染新受派 worker 的统计")

	require.NoError(t, e.ReportOutcome(context.Background(), "t1", "w2",
		model.Outcome{Kind: model.OutcomeSuccess}))
}

func TestEngine_StopKeepsUndispatchedTasks(t *testing.T) {
	e := New(testConfig(), nil, nil, nil)
	e.Start(context.Background())
	e.Stop()

	// 停机后延迟回队落在已关闭的队列上：任务原地保留，不算死信
	task := &model.Task{ID: "t1", Priority: model.PriorityP1, EnqueuedAt: time.Now()}
	e.requeueLater(task, 0)

	assert.NotEqual(t, model.TaskStatusDeadLettered, task.Status)
	_, err := e.Status(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound, "停机回队不应写入终态")
}

func TestEngine_StatusNotFound(t *testing.T) {
	e := New(testConfig(), nil, nil, nil)
	_, err := e.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEngine_HeartbeatUnknownWorker(t *testing.T) {
	e := New(testConfig(), nil, nil, nil)
	assert.ErrorIs(t, e.Heartbeat("ghost"), ErrWorkerNotFound)
	assert.ErrorIs(t, e.DeregisterWorker("ghost", false), ErrWorkerNotFound)
}
