package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/dispatch-hub/internal/breaker"
	"github.com/azhengyongqin/dispatch-hub/internal/capacity"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

func candidate(name string, caps []string, active, max int32) Candidate {
	return Candidate{
		Worker: workers.Config{
			WorkerName:     name,
			Capabilities:   caps,
			MaxConcurrency: max,
			IsEnabled:      true,
		},
		Cap: capacity.Snapshot{
			WorkerName:     name,
			Active:         active,
			MaxConcurrency: max,
			Stats:          capacity.Stats{SuccessRate: 1.0},
		},
		BreakerState: breaker.StateClosed,
	}
}

func TestMatcher_FiltersIneligible(t *testing.T) {
	m := New(30 * time.Second)
	now := time.Now()
	task := &model.Task{ID: "t1", Requirements: []string{"gpu"}}

	disabled := candidate("disabled", []string{"gpu"}, 0, 4)
	disabled.Worker.IsEnabled = false

	draining := candidate("draining", []string{"gpu"}, 0, 4)
	draining.Worker.Draining = true

	stale := candidate("stale", []string{"gpu"}, 0, 4)
	staleAt := now.Add(-time.Minute)
	stale.Worker.LastHeartbeatAt = &staleAt

	tripped := candidate("tripped", []string{"gpu"}, 0, 4)
	tripped.BreakerState = breaker.StateOpen

	noSkill := candidate("no-skill", []string{"cpu"}, 0, 4)
	full := candidate("full", []string{"gpu"}, 4, 4)
	ok := candidate("ok", []string{"gpu"}, 0, 4)

	ranked := m.Rank(task, []Candidate{disabled, draining, stale, tripped, noSkill, full, ok}, now)
	require.Len(t, ranked, 1, "只有满足全部硬性条件的候选才能入围")
	assert.Equal(t, "ok", ranked[0].Worker.WorkerName)
}

func TestMatcher_HalfOpenIsEligible(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	half := candidate("half", []string{"general"}, 0, 4)
	half.BreakerState = breaker.StateHalfOpen

	ranked := m.Rank(task, []Candidate{half}, time.Now())
	assert.Len(t, ranked, 1, "half_open 允许试探流量，不应被过滤")
}

func TestMatcher_AntiAffinity(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1", AntiAffinity: []string{"worker-bad"}}

	bad := candidate("worker-bad", []string{"general"}, 0, 4)
	good := candidate("worker-good", []string{"general"}, 0, 4)

	ranked := m.Rank(task, []Candidate{bad, good}, time.Now())
	require.Len(t, ranked, 1)
	assert.Equal(t, "worker-good", ranked[0].Worker.WorkerName)
}

func TestMatcher_ExactCapabilityPreferred(t *testing.T) {
	// 两个 worker 容量、成功率、成本全部相同，
	// 能力恰好等于要求的 worker 得分更高：通才留给没人接的任务。
	m := New(0)
	task := &model.Task{ID: "t1", Requirements: []string{"video-transcode"}}

	specialist := candidate("specialist", []string{"video-transcode"}, 0, 4)
	generalist := candidate("generalist", []string{"video-transcode", "gpu", "cpu", "io"}, 0, 4)

	ranked := m.Rank(task, []Candidate{generalist, specialist}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "specialist", ranked[0].Worker.WorkerName)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestMatcher_CapacityComponent(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	idle := candidate("idle", []string{"general"}, 0, 10)
	busy := candidate("busy", []string{"general"}, 9, 10)

	ranked := m.Rank(task, []Candidate{busy, idle}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "idle", ranked[0].Worker.WorkerName, "空闲容量多的 worker 应排前")
}

func TestMatcher_CostComponent(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	cheap := candidate("cheap", []string{"general"}, 0, 4)
	cheap.Worker.Cost = 0.5
	expensive := candidate("expensive", []string{"general"}, 0, 4)
	expensive.Worker.Cost = 5.0

	ranked := m.Rank(task, []Candidate{expensive, cheap}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "cheap", ranked[0].Worker.WorkerName, "成本低的 worker 应排前")
}

func TestMatcher_SuccessRateComponent(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	reliable := candidate("reliable", []string{"general"}, 0, 4)
	flaky := candidate("flaky", []string{"general"}, 0, 4)
	flaky.Cap.Stats.SuccessRate = 0.4

	ranked := m.Rank(task, []Candidate{flaky, reliable}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "reliable", ranked[0].Worker.WorkerName)
}

func TestMatcher_DeterministicTieBreak(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	// 完全相同的两个候选：按名称字典序决出唯一顺序
	b := candidate("worker-b", []string{"general"}, 0, 4)
	a := candidate("worker-a", []string{"general"}, 0, 4)

	for i := 0; i < 10; i++ {
		ranked := m.Rank(task, []Candidate{b, a}, time.Now())
		require.Len(t, ranked, 2)
		assert.Equal(t, "worker-a", ranked[0].Worker.WorkerName, "同分时名称小者在前")
	}

	// 得分相同但在途数不同：空闲比例相同（2/4 与 4/8）得分一致，
	// 在途少的候选在前
	lessActive := candidate("worker-z", []string{"general"}, 2, 4)
	moreActive := candidate("worker-y", []string{"general"}, 4, 8)

	ranked := m.Rank(task, []Candidate{moreActive, lessActive}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "worker-z", ranked[0].Worker.WorkerName, "同分时在途少者在前")
}

func TestMatcher_AffinityShortCircuit(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1", Affinity: "worker-pinned"}

	pinned := candidate("worker-pinned", []string{"general"}, 3, 4)
	better := candidate("worker-better", []string{"general"}, 0, 4)

	ranked := m.Rank(task, []Candidate{better, pinned}, time.Now())
	require.Len(t, ranked, 2)
	assert.Equal(t, "worker-pinned", ranked[0].Worker.WorkerName, "亲和 worker 合格时绕过打分直接排首位")
	assert.Equal(t, "worker-better", ranked[1].Worker.WorkerName, "其余候选保持得分序作为回退")
}

func TestMatcher_AffinityIneligibleFallsBack(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1", Affinity: "worker-pinned"}

	pinned := candidate("worker-pinned", []string{"general"}, 4, 4) // 满载
	other := candidate("worker-other", []string{"general"}, 0, 4)

	ranked := m.Rank(task, []Candidate{pinned, other}, time.Now())
	require.Len(t, ranked, 1, "亲和 worker 不合格时走正常匹配")
	assert.Equal(t, "worker-other", ranked[0].Worker.WorkerName)
}

func TestMatcher_NoEligibleWorker(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1", Requirements: []string{"tpu"}}

	ranked := m.Rank(task, []Candidate{candidate("w1", []string{"gpu"}, 0, 4)}, time.Now())
	assert.Empty(t, ranked, "无合格候选应返回空列表")
}

func TestMatcher_BiasExpires(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1"}

	// 无偏置时 under 输给 over（over 空闲比例更高）
	over := candidate("worker-over", []string{"general"}, 1, 10)
	under := candidate("worker-under", []string{"general"}, 2, 10)

	ranked := m.Rank(task, []Candidate{over, under}, time.Now())
	require.Equal(t, "worker-over", ranked[0].Worker.WorkerName)

	// 注入偏置，生效 2 次决策
	m.SetBias(map[string]float64{"worker-under": 0.5}, 2)

	for i := 0; i < 2; i++ {
		ranked = m.Rank(task, []Candidate{over, under}, time.Now())
		assert.Equal(t, "worker-under", ranked[0].Worker.WorkerName, "偏置生效期间 under 应排前")
	}

	// 偏置耗尽后恢复正常打分
	ranked = m.Rank(task, []Candidate{over, under}, time.Now())
	assert.Equal(t, "worker-over", ranked[0].Worker.WorkerName, "偏置耗尽后应恢复")
}

func TestMatcher_ScoreBounds(t *testing.T) {
	m := New(0)
	task := &model.Task{ID: "t1", Requirements: []string{"general"}}

	best := candidate("best", []string{"general"}, 0, 4)
	ranked := m.Rank(task, []Candidate{best}, time.Now())
	require.Len(t, ranked, 1)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9, "满分候选：贴合 1.0、全空闲、成功率 1.0、成本 0")
	assert.LessOrEqual(t, ranked[0].Score, 1.0)
	assert.GreaterOrEqual(t, ranked[0].Score, 0.0)
}
