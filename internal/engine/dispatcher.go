package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/logger"
	"github.com/azhengyongqin/dispatch-hub/internal/matcher"
	"github.com/azhengyongqin/dispatch-hub/internal/metrics"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	"github.com/azhengyongqin/dispatch-hub/internal/pqueue"
)

// runDispatcher 派发循环：阻塞取任务，逐个决策。
// 多个循环并发运行，队列出队是原子的，同一任务只会被一个循环拿到。
func (e *Engine) runDispatcher(ctx context.Context, id int) {
	defer e.wg.Done()

	log := logger.L.With().Int("dispatcher", id).Logger()
	log.Debug().Msg("派发循环启动")

	for {
		task, err := e.queue.Pop(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("派发循环退出")
			return
		}
		e.dispatch(ctx, task)
	}
}

// dispatch 为单个任务做一次完整的匹配决策
func (e *Engine) dispatch(ctx context.Context, task *model.Task) {
	now := time.Now()

	// 过期任务不派发
	if task.Expired(now) {
		e.deadLetter(ctx, task, "deadline_exceeded")
		return
	}

	start := time.Now()
	ranked := e.matcher.Rank(task, e.candidates(), now)
	metrics.MatchDecisionDuration.Observe(time.Since(start).Seconds())

	if len(ranked) == 0 {
		// 当前没有任何合格 worker：延迟后回队，不计入重试
		logger.WithTaskID(task.ID).Debug().Msg("暂无合格 worker，延迟回队")
		e.requeueLater(task, e.cfg.RequeueDelay)
		return
	}

	// 按得分顺序逐个尝试：熔断放行 + 容量预约，都拿到才算赢得任务。
	// 预约失败说明并发决策抢先占了容量，回退到下一个候选。
	for _, cand := range ranked {
		name := cand.Worker.WorkerName
		br, ok := e.breakers.Get(name)
		if !ok || !br.Allow() {
			continue
		}
		if err := e.tracker.Reserve(name); err != nil {
			continue
		}
		e.assign(ctx, task, cand)
		return
	}

	// 所有候选都没抢到容量
	e.requeueLater(task, e.cfg.RequeueDelay)
}

// candidates 汇集当前全部 worker 的匹配视图
func (e *Engine) candidates() []matcher.Candidate {
	configs := e.store.List()
	out := make([]matcher.Candidate, 0, len(configs))
	for _, w := range configs {
		snap, ok := e.tracker.Snapshot(w.WorkerName)
		if !ok {
			continue
		}
		c := matcher.Candidate{Worker: w, Cap: snap}
		if br, found := e.breakers.Get(w.WorkerName); found {
			c.BreakerState = br.State()
		}
		out = append(out, c)
	}
	return out
}

// assign 容量已预约，推送任务给 worker。
// 推送是异步的：信号失败时无条件释放预约并走重试，不泄漏配额。
func (e *Engine) assign(ctx context.Context, task *model.Task, cand matcher.Candidate) {
	name := cand.Worker.WorkerName
	task.Status = model.TaskStatusAssigned
	task.AssignedWorker = name

	e.mu.Lock()
	e.inflight[task.ID] = task
	e.mu.Unlock()

	queueWait := time.Since(task.EnqueuedAt).Seconds()
	metrics.RecordTaskDispatched(name, task.Priority.String(), queueWait)
	logger.WithTaskID(task.ID).Debug().
		Str("worker", name).
		Float64("score", cand.Score).
		Msg("任务已派发")

	if e.exec == nil {
		return
	}

	go func() {
		if err := e.exec.Assign(ctx, cand.Worker, task); err != nil {
			logger.WithTaskID(task.ID).Warn().
				Str("worker", name).
				Err(err).
				Msg("任务推送失败")
			metrics.RecordError("dispatcher", "assign")

			e.mu.Lock()
			delete(e.inflight, task.ID)
			e.mu.Unlock()

			e.tracker.Release(name, model.Outcome{Kind: model.OutcomeFailure})
			if br, found := e.breakers.Get(name); found {
				br.OnFailure()
			}

			task.Status = model.TaskStatusFailed
			task.LastError = err.Error()
			e.scheduleRetry(task, err.Error())
		}
	}()
}

// scheduleRetry 失败任务的重试判定：指数退避 + 抖动，
// 超过 max_retries 转入死信。重试保持原优先级和原入队时间。
func (e *Engine) scheduleRetry(task *model.Task, reason string) {
	task.RetryCount++
	if task.RetryCount > e.cfg.MaxRetries {
		e.deadLetter(context.Background(), task, "max_retries_exceeded")
		return
	}

	delay := e.retryDelay(task.RetryCount)
	metrics.RecordTaskRetried(task.Priority.String())
	logger.WithTaskID(task.ID).Info().
		Int32("retry", task.RetryCount).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("任务将重试")

	e.requeueLater(task, delay)
}

// retryDelay 第 n 次重试的退避时长：base * 2^(n-1) ± 20% 抖动，封顶
func (e *Engine) retryDelay(retry int32) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := int32(1); i < retry; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMaxDelay {
			delay = e.cfg.RetryMaxDelay
			break
		}
	}
	jitter := 1.0 + (rand.Float64()-0.5)*0.4
	delay = time.Duration(float64(delay) * jitter)
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}
	return delay
}

// requeueLater 延迟回队。EnqueuedAt 保持原值，
// 等待时长跨重试累计，饥饿提升才能正常工作。
func (e *Engine) requeueLater(task *model.Task, delay time.Duration) {
	task.Status = model.TaskStatusQueued
	task.AssignedWorker = ""

	push := func() {
		if err := e.queue.Push(task); err != nil {
			if errors.Is(err, pqueue.ErrClosed) {
				// Stop 之后队列已关闭：任务原地保留，不算死信
				return
			}
			logger.WithTaskID(task.ID).Error().Err(err).Msg("回队失败，转入死信")
			e.deadLetter(context.Background(), task, "requeue_failed")
		}
	}
	if delay <= 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

// deadLetter 任务转入死信终态
func (e *Engine) deadLetter(ctx context.Context, task *model.Task, reason string) {
	task.Status = model.TaskStatusDeadLettered
	if task.LastError == "" {
		task.LastError = reason
	}
	metrics.RecordDeadLetter(reason)
	logger.WithTaskID(task.ID).Warn().
		Str("reason", reason).
		Int32("retries", task.RetryCount).
		Msg("任务转入死信")
	e.finalize(ctx, task, model.Outcome{Kind: model.OutcomeFailure, Error: reason})
}
