// Package pqueue 实现四级严格优先级队列（Priority Queue Tier）。
// 出队策略是严格优先（P0 > P1 > P2 > P3），不是加权公平：
// P0 源源不断时 P3 会饿死，由 Health/Rebalance Monitor 通过 aging
// 提升长等待任务的优先级来兜底。
// 同一队列内按入队时间 FIFO 排序；deadline 只作为出队时的过滤条件，
// 过期判定由 Dispatcher 在 pop 之后完成。
package pqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

// ErrQueueSaturated 队列总深度达到上限，submit 被拒绝
var ErrQueueSaturated = errors.New("queue saturated")

// ErrClosed 队列已关闭
var ErrClosed = errors.New("queue closed")

// DefaultDepthLimit 缺省队列总深度上限
const DefaultDepthLimit = 10000

// Promotion 一次 aging 提升的记录
type Promotion struct {
	TaskID string
	From   model.Priority
	To     model.Priority
}

// Tier 四条严格有序的 FIFO 队列。
// 所有操作共享一把锁；pop 是原子的（绝不 peek-then-remove），
// 保证多个 Dispatcher 并发拉取时同一任务不会被取出两次。
type Tier struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	queues     [model.PriorityLevels][]*model.Task
	size       int
	depthLimit int
	closed     bool
}

// NewTier 创建队列层。depthLimit <= 0 时使用缺省上限。
func NewTier(depthLimit int) *Tier {
	if depthLimit <= 0 {
		depthLimit = DefaultDepthLimit
	}
	t := &Tier{depthLimit: depthLimit}
	t.notEmpty = sync.NewCond(&t.mu)
	return t
}

// Push 任务入队。
// 总深度达到上限时返回 ErrQueueSaturated（背压，绝不无界增长）。
// 重试任务保留原 EnqueuedAt，因此按入队时间做有序插入而非简单 append，
// 维持队列内 FIFO-by-enqueue-time 的约定。
func (t *Tier) Push(task *model.Task) error {
	if task == nil || !task.Priority.Valid() {
		return errors.New("invalid task")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.size >= t.depthLimit {
		return ErrQueueSaturated
	}

	q := t.queues[task.Priority]
	// 新任务的 EnqueuedAt 单调递增，插入点几乎总在队尾
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].EnqueuedAt.After(task.EnqueuedAt)
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = task
	t.queues[task.Priority] = q
	t.size++

	t.notEmpty.Signal()
	return nil
}

// Pop 原子取出最高非空优先级的队首任务。
// 所有队列为空时协作式等待（sync.Cond，不忙转），新任务到达即唤醒；
// ctx 取消或队列关闭时返回错误。
func (t *Tier) Pop(ctx context.Context) (*model.Task, error) {
	// ctx 取消时唤醒所有等待者，让它们检查退出条件
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.notEmpty.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.closed {
			return nil, ErrClosed
		}
		if task := t.popLocked(); task != nil {
			return task, nil
		}
		t.notEmpty.Wait()
	}
}

// TryPop 非阻塞版 Pop，队列全空时返回 nil
func (t *Tier) TryPop() *model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.popLocked()
}

func (t *Tier) popLocked() *model.Task {
	for p := 0; p < model.PriorityLevels; p++ {
		q := t.queues[p]
		if len(q) == 0 {
			continue
		}
		task := q[0]
		t.queues[p] = q[1:]
		t.size--
		return task
	}
	return nil
}

// Cancel 同步移除 queued 状态的任务，返回被移除的任务。
// 只对仍在队列中的任务有效；Processing 中的任务取消是建议性的，
// 由 Dispatcher 转发给 worker。
func (t *Tier) Cancel(taskID string) (*model.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p := 0; p < model.PriorityLevels; p++ {
		for i, task := range t.queues[p] {
			if task.ID == taskID {
				t.queues[p] = append(t.queues[p][:i], t.queues[p][i+1:]...)
				t.size--
				return task, true
			}
		}
	}
	return nil, false
}

// PromoteAged 把等待时间超过本级阈值的任务提升一级，封顶 P1
// （绝不允许反转进 P0）。每次调用只提升一级；等待时间按原始
// EnqueuedAt 计算，因此连续几轮巡检后长等待任务会继续爬升。
// thresholds 下标即优先级，P0/P1 的阈值被忽略。
func (t *Tier) PromoteAged(thresholds [model.PriorityLevels]time.Duration, now time.Time) []Promotion {
	t.mu.Lock()
	defer t.mu.Unlock()

	var promoted []Promotion
	// 从 P2 开始向下扫描：P2→P1、P3→P2
	for p := model.PriorityP2; p <= model.PriorityP3; p++ {
		threshold := thresholds[p]
		if threshold <= 0 {
			continue
		}

		var keep []*model.Task
		for _, task := range t.queues[p] {
			if now.Sub(task.EnqueuedAt) >= threshold {
				task.Priority = p - 1
				t.insertLocked(task)
				promoted = append(promoted, Promotion{TaskID: task.ID, From: p, To: p - 1})
			} else {
				keep = append(keep, task)
			}
		}
		t.queues[p] = keep
	}

	if len(promoted) > 0 {
		t.notEmpty.Broadcast()
	}
	return promoted
}

// insertLocked 按 EnqueuedAt 有序插入，size 不变（队列间移动）
func (t *Tier) insertLocked(task *model.Task) {
	q := t.queues[task.Priority]
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].EnqueuedAt.After(task.EnqueuedAt)
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = task
	t.queues[task.Priority] = q
}

// Depths 各优先级的当前深度
func (t *Tier) Depths() [model.PriorityLevels]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out [model.PriorityLevels]int
	for p := 0; p < model.PriorityLevels; p++ {
		out[p] = len(t.queues[p])
	}
	return out
}

// Len 队列总深度
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Get 按 ID 查找仍在队列中的任务（Status 查询用）。
// 返回副本：队列内的任务会被 PromoteAged 和派发并发改写，
// 内部指针一旦漏出去，调用方的读取就和这些写入构成数据竞争。
func (t *Tier) Get(taskID string) (*model.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p := 0; p < model.PriorityLevels; p++ {
		for _, task := range t.queues[p] {
			if task.ID == taskID {
				return task.Clone(), true
			}
		}
	}
	return nil, false
}

// Close 关闭队列，唤醒所有阻塞的 Pop
func (t *Tier) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.notEmpty.Broadcast()
}
