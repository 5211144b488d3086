package pqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

func newTask(id string, p model.Priority, enqueuedAt time.Time) *model.Task {
	return &model.Task{
		ID:         id,
		Priority:   p,
		Status:     model.TaskStatusQueued,
		EnqueuedAt: enqueuedAt,
	}
}

func TestTier_StrictPriorityOrdering(t *testing.T) {
	tier := NewTier(100)
	now := time.Now()

	// 乱序入队：P3, P1, P0, P2, P0
	require.NoError(t, tier.Push(newTask("t-p3", model.PriorityP3, now)))
	require.NoError(t, tier.Push(newTask("t-p1", model.PriorityP1, now.Add(time.Millisecond))))
	require.NoError(t, tier.Push(newTask("t-p0-a", model.PriorityP0, now.Add(2*time.Millisecond))))
	require.NoError(t, tier.Push(newTask("t-p2", model.PriorityP2, now.Add(3*time.Millisecond))))
	require.NoError(t, tier.Push(newTask("t-p0-b", model.PriorityP0, now.Add(4*time.Millisecond))))

	// 严格优先：P(n) 有任务时绝不服务 P(n+1)
	var order []string
	for i := 0; i < 5; i++ {
		task := tier.TryPop()
		require.NotNil(t, task)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"t-p0-a", "t-p0-b", "t-p1", "t-p2", "t-p3"}, order)
	assert.Nil(t, tier.TryPop(), "空队列 TryPop 应返回 nil")
}

func TestTier_FIFOWithinPriority(t *testing.T) {
	tier := NewTier(100)
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, tier.Push(newTask(
			fmt.Sprintf("t%d", i), model.PriorityP1, now.Add(time.Duration(i)*time.Millisecond))))
	}

	for i := 0; i < 5; i++ {
		task := tier.TryPop()
		require.NotNil(t, task)
		assert.Equal(t, fmt.Sprintf("t%d", i), task.ID, "同级队列应按入队时间 FIFO")
	}
}

func TestTier_RetryKeepsOriginalPosition(t *testing.T) {
	tier := NewTier(100)
	now := time.Now()

	require.NoError(t, tier.Push(newTask("old", model.PriorityP2, now.Add(-time.Minute))))
	require.NoError(t, tier.Push(newTask("new", model.PriorityP2, now)))

	// 重试任务保留原 EnqueuedAt，重新入队后应排在更新的任务之前
	retried := newTask("retried", model.PriorityP2, now.Add(-2*time.Minute))
	require.NoError(t, tier.Push(retried))

	assert.Equal(t, "retried", tier.TryPop().ID)
	assert.Equal(t, "old", tier.TryPop().ID)
	assert.Equal(t, "new", tier.TryPop().ID)
}

func TestTier_Saturation(t *testing.T) {
	tier := NewTier(2)
	now := time.Now()

	require.NoError(t, tier.Push(newTask("t1", model.PriorityP0, now)))
	require.NoError(t, tier.Push(newTask("t2", model.PriorityP3, now)))

	err := tier.Push(newTask("t3", model.PriorityP0, now))
	assert.True(t, errors.Is(err, ErrQueueSaturated), "总深度达到上限应拒绝，而不是无界增长")

	// 出队腾出空间后恢复接收
	tier.TryPop()
	assert.NoError(t, tier.Push(newTask("t3", model.PriorityP0, now)))
}

func TestTier_PopBlocksAndWakes(t *testing.T) {
	tier := NewTier(100)

	done := make(chan *model.Task, 1)
	go func() {
		task, err := tier.Pop(context.Background())
		if err == nil {
			done <- task
		}
	}()

	// 等待 goroutine 进入阻塞
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("空队列的 Pop 不应返回")
	default:
	}

	require.NoError(t, tier.Push(newTask("t1", model.PriorityP2, time.Now())))

	select {
	case task := <-done:
		assert.Equal(t, "t1", task.ID)
	case <-time.After(time.Second):
		t.Fatal("Push 后 Pop 应及时唤醒")
	}
}

func TestTier_PopHonorsContext(t *testing.T) {
	tier := NewTier(100)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tier.Pop(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ctx 取消后 Pop 应返回")
	}
}

func TestTier_AtomicPopNoDoubleDequeue(t *testing.T) {
	// 多个消费者并发 Pop，同一任务绝不能被取出两次
	tier := NewTier(10000)
	const total = 2000
	now := time.Now()
	for i := 0; i < total; i++ {
		p := model.Priority(i % model.PriorityLevels)
		require.NoError(t, tier.Push(newTask(fmt.Sprintf("t%d", i), p, now.Add(time.Duration(i)))))
	}

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task := tier.TryPop()
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total, "所有任务都应恰好出队一次")
	for id, n := range seen {
		require.Equal(t, 1, n, "任务 %s 被取出 %d 次", id, n)
	}
}

func TestTier_Cancel(t *testing.T) {
	tier := NewTier(100)
	now := time.Now()

	require.NoError(t, tier.Push(newTask("t1", model.PriorityP1, now)))
	require.NoError(t, tier.Push(newTask("t2", model.PriorityP1, now.Add(time.Millisecond))))

	task, ok := tier.Cancel("t1")
	require.True(t, ok, "queued 任务应可同步取消")
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, 1, tier.Len())

	_, ok = tier.Cancel("t1")
	assert.False(t, ok, "重复取消应返回 false")

	assert.Equal(t, "t2", tier.TryPop().ID, "被取消的任务不应再出队")
}

func TestTier_PromoteAged(t *testing.T) {
	tier := NewTier(100)
	now := time.Now()

	thresholds := [model.PriorityLevels]time.Duration{
		0, 0, 30 * time.Second, 60 * time.Second,
	}

	// P3 任务等待 90s：超过 P3 阈值
	aged := newTask("aged", model.PriorityP3, now.Add(-90*time.Second))
	fresh := newTask("fresh", model.PriorityP3, now.Add(-time.Second))
	require.NoError(t, tier.Push(aged))
	require.NoError(t, tier.Push(fresh))

	promoted := tier.PromoteAged(thresholds, now)
	require.Len(t, promoted, 1)
	assert.Equal(t, "aged", promoted[0].TaskID)
	assert.Equal(t, model.PriorityP3, promoted[0].From)
	assert.Equal(t, model.PriorityP2, promoted[0].To, "每轮只提升一级")

	depths := tier.Depths()
	assert.Equal(t, 1, depths[model.PriorityP2])
	assert.Equal(t, 1, depths[model.PriorityP3])

	// 第二轮：等待时间按原始 EnqueuedAt 计算，继续爬到 P1
	promoted = tier.PromoteAged(thresholds, now)
	require.Len(t, promoted, 1)
	assert.Equal(t, model.PriorityP1, promoted[0].To)

	// 第三轮：封顶 P1，绝不提升进 P0
	promoted = tier.PromoteAged(thresholds, now)
	assert.Empty(t, promoted, "P1 任务不再提升（不允许反转进 P0）")

	depths = tier.Depths()
	assert.Equal(t, 0, depths[model.PriorityP0])
	assert.Equal(t, 1, depths[model.PriorityP1])
}

func TestTier_AgingBound(t *testing.T) {
	// 性质：P3 任务入队后经过 aging_threshold_P3，只要监控在巡检，
	// 它就不会仍停留在 P3。
	tier := NewTier(100)
	now := time.Now()
	thresholds := [model.PriorityLevels]time.Duration{0, 0, 30 * time.Second, 60 * time.Second}

	require.NoError(t, tier.Push(newTask("t1", model.PriorityP3, now)))

	tier.PromoteAged(thresholds, now.Add(61*time.Second))
	depths := tier.Depths()
	assert.Equal(t, 0, depths[model.PriorityP3], "超过 aging_threshold_P3 后任务不应仍在 P3")
}

func TestTier_Close(t *testing.T) {
	tier := NewTier(100)

	errCh := make(chan error, 1)
	go func() {
		_, err := tier.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tier.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close 后阻塞的 Pop 应返回")
	}

	assert.ErrorIs(t, tier.Push(newTask("t1", model.PriorityP0, time.Now())), ErrClosed)
}

func TestTier_Get(t *testing.T) {
	tier := NewTier(100)
	require.NoError(t, tier.Push(newTask("t1", model.PriorityP2, time.Now())))

	task, ok := tier.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", task.ID)

	_, ok = tier.Get("missing")
	assert.False(t, ok)
}

func TestTier_GetReturnsCopy(t *testing.T) {
	tier := NewTier(100)
	require.NoError(t, tier.Push(newTask("t1", model.PriorityP2, time.Now())))

	got, ok := tier.Get("t1")
	require.True(t, ok)

	// 改写副本不能影响队列里的任务
	got.Priority = model.PriorityP0
	got.Status = model.TaskStatusCancelled

	popped := tier.TryPop()
	require.NotNil(t, popped)
	assert.NotSame(t, got, popped, "Get 必须返回副本")
	assert.Equal(t, model.PriorityP2, popped.Priority)
}
