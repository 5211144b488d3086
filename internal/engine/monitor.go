package engine

import (
	"context"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/logger"
	"github.com/azhengyongqin/dispatch-hub/internal/metrics"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

// runMonitor 健康与再平衡循环：饥饿提升、负载再平衡、
// 排空收尾和指标上报，周期性巡检。
func (e *Engine) runMonitor(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			e.promoteAged(now)
			e.rebalance()
			e.finishDraining()
			e.publishGauges()
		}
	}
}

// promoteAged 提升等待过久的低优先级任务，防止饥饿
func (e *Engine) promoteAged(now time.Time) {
	promotions := e.queue.PromoteAged(e.cfg.AgingThresholds, now)
	for _, p := range promotions {
		metrics.AgingPromotionsTotal.Inc()
		logger.WithTaskID(p.TaskID).Info().
			Str("from", p.From.String()).
			Str("to", p.To.String()).
			Msg("等待超时，任务提升一级")
	}
}

// rebalance 检查 worker 间的利用率极差，超过阈值时向匹配器
// 注入建议性偏置，把后续决策往低载 worker 倾斜。
// 偏置只影响打分，不迁移已分配的任务。
func (e *Engine) rebalance() {
	snaps := e.tracker.Snapshots()
	if len(snaps) < 2 {
		return
	}

	// 排空和停用的 worker 不参与再平衡统计
	eligible := snaps[:0]
	var sum float64
	for _, s := range snaps {
		w, ok := e.store.Get(s.WorkerName)
		if !ok || !w.IsEnabled || w.Draining {
			continue
		}
		eligible = append(eligible, s)
		sum += s.Utilization
	}
	if len(eligible) < 2 {
		return
	}

	minU, maxU := eligible[0].Utilization, eligible[0].Utilization
	for _, s := range eligible[1:] {
		if s.Utilization < minU {
			minU = s.Utilization
		}
		if s.Utilization > maxU {
			maxU = s.Utilization
		}
	}
	if maxU-minU <= e.cfg.VarianceThreshold {
		return
	}

	mean := sum / float64(len(eligible))
	bias := make(map[string]float64)
	for _, s := range eligible {
		if s.Utilization < mean {
			bias[s.WorkerName] = e.cfg.BiasStep
		}
	}
	if len(bias) == 0 {
		return
	}

	e.matcher.SetBias(bias, e.cfg.BiasDecisions)
	metrics.RebalanceTriggersTotal.Inc()
	logger.Info().
		Float64("spread", maxU-minU).
		Int("favored_workers", len(bias)).
		Msg("利用率失衡，注入再平衡偏置")
}

// finishDraining 排空收尾：在途任务清零的排空 worker 真正移除
func (e *Engine) finishDraining() {
	for _, w := range e.store.List() {
		if !w.Draining {
			continue
		}
		active, ok := e.tracker.Active(w.WorkerName)
		if ok && active > 0 {
			continue
		}
		e.removeWorker(w.WorkerName)
		logger.WithWorkerName(w.WorkerName).Info().Msg("排空完成，worker 已移除")
	}
}

// publishGauges 上报队列深度、利用率和熔断状态
func (e *Engine) publishGauges() {
	depths := e.queue.Depths()
	for p := 0; p < model.PriorityLevels; p++ {
		metrics.UpdateQueueDepth(model.Priority(p).String(), depths[p])
	}
	for _, s := range e.tracker.Snapshots() {
		metrics.UpdateWorkerUtilization(s.WorkerName, s.Utilization)
	}
	for name, state := range e.breakers.States() {
		metrics.UpdateBreakerState(name, state)
	}
}
