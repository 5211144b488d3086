package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Upsert(t *testing.T) {
	store := NewStore()

	cfg := Config{
		WorkerName:     "test-worker",
		Capabilities:   []string{"gpu", "video-transcode"},
		MaxConcurrency: 8,
		Cost:           2.5,
		IsEnabled:      true,
	}

	// 测试插入
	_, err := store.Upsert(cfg)
	assert.NoError(t, err, "插入应该成功")

	// 验证存储
	retrieved, ok := store.Get("test-worker")
	require.True(t, ok, "应该能获取刚插入的配置")
	assert.Equal(t, cfg.WorkerName, retrieved.WorkerName)
	assert.Equal(t, []string{"gpu", "video-transcode"}, retrieved.Capabilities)
	assert.Equal(t, int32(8), retrieved.MaxConcurrency)

	// 测试更新
	cfg.MaxConcurrency = 16
	_, err = store.Upsert(cfg)
	assert.NoError(t, err, "更新应该成功")

	// 验证更新
	retrieved, ok = store.Get("test-worker")
	require.True(t, ok)
	assert.Equal(t, int32(16), retrieved.MaxConcurrency, "并发度应该更新为16")
}

func TestStore_UpsertKeepsHeartbeatAndDraining(t *testing.T) {
	store := NewStore()

	cfg := Config{
		WorkerName:   "test-worker",
		Capabilities: []string{"general"},
		IsEnabled:    true,
	}
	_, err := store.Upsert(cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpdateHeartbeat("test-worker"))
	require.NoError(t, store.MarkDraining("test-worker"))

	// 重新注册不应抹掉心跳和排空状态
	_, err = store.Upsert(cfg)
	require.NoError(t, err)

	retrieved, ok := store.Get("test-worker")
	require.True(t, ok)
	assert.NotNil(t, retrieved.LastHeartbeatAt, "重新注册后心跳时间应保留")
	assert.True(t, retrieved.Draining, "重新注册后排空状态应保留")
}

func TestStore_Delete(t *testing.T) {
	store := NewStore()

	cfg := Config{
		WorkerName:   "test-worker",
		Capabilities: []string{"general"},
	}
	store.Upsert(cfg)

	// 测试删除
	err := store.Delete("test-worker")
	assert.NoError(t, err, "应该成功删除")

	// 验证删除
	_, ok := store.Get("test-worker")
	assert.False(t, ok, "删除后不应该能获取")

	// 测试删除不存在的
	err = store.Delete("non-existent")
	assert.Error(t, err, "删除不存在的应该返回错误")
}

func TestStore_List(t *testing.T) {
	store := NewStore()

	// 空列表
	list := store.List()
	assert.Empty(t, list, "初始列表应为空")

	// 添加多个配置
	store.Upsert(Config{WorkerName: "worker2", Capabilities: []string{"general"}})
	store.Upsert(Config{WorkerName: "worker3", Capabilities: []string{"general"}})
	store.Upsert(Config{WorkerName: "worker1", Capabilities: []string{"general"}})

	list = store.List()
	require.Len(t, list, 3, "应该有3个配置")
	assert.Equal(t, "worker1", list[0].WorkerName, "列表应按名称排序")
	assert.Equal(t, "worker3", list[2].WorkerName)
}

func TestStore_Validate(t *testing.T) {
	store := NewStore()

	t.Run("empty worker name", func(t *testing.T) {
		_, err := store.Upsert(Config{Capabilities: []string{"general"}})
		assert.Error(t, err)
	})

	t.Run("empty capabilities", func(t *testing.T) {
		_, err := store.Upsert(Config{WorkerName: "test"})
		assert.Error(t, err)
	})

	t.Run("negative cost", func(t *testing.T) {
		_, err := store.Upsert(Config{WorkerName: "test", Capabilities: []string{"general"}, Cost: -1})
		assert.Error(t, err)
	})

	t.Run("valid config", func(t *testing.T) {
		result, err := store.Upsert(Config{
			WorkerName:   "test",
			Capabilities: []string{"general"},
		})
		assert.NoError(t, err)
		assert.Equal(t, int32(10), result.MaxConcurrency, "未指定并发度应使用默认值")
	})
}

func TestConfig_Covers(t *testing.T) {
	cfg := Config{
		WorkerName:   "worker-1",
		Capabilities: []string{"gpu", "video-transcode", "general"},
	}

	assert.True(t, cfg.Covers(nil), "无要求时任何 worker 都满足")
	assert.True(t, cfg.Covers([]string{"gpu"}))
	assert.True(t, cfg.Covers([]string{"gpu", "general"}))
	assert.False(t, cfg.Covers([]string{"gpu", "tpu"}), "缺少任一要求即不满足")
}

func TestConfig_HeartbeatFresh(t *testing.T) {
	now := time.Now()

	t.Run("never reported", func(t *testing.T) {
		cfg := Config{WorkerName: "w"}
		assert.True(t, cfg.HeartbeatFresh(30*time.Second, now), "从未上报心跳视为新鲜")
	})

	t.Run("recent heartbeat", func(t *testing.T) {
		at := now.Add(-10 * time.Second)
		cfg := Config{WorkerName: "w", LastHeartbeatAt: &at}
		assert.True(t, cfg.HeartbeatFresh(30*time.Second, now))
	})

	t.Run("stale heartbeat", func(t *testing.T) {
		at := now.Add(-time.Minute)
		cfg := Config{WorkerName: "w", LastHeartbeatAt: &at}
		assert.False(t, cfg.HeartbeatFresh(30*time.Second, now))
	})

	t.Run("ttl disabled", func(t *testing.T) {
		at := now.Add(-time.Hour)
		cfg := Config{WorkerName: "w", LastHeartbeatAt: &at}
		assert.True(t, cfg.HeartbeatFresh(0, now))
	})
}

func TestStore_UpdateHeartbeat(t *testing.T) {
	store := NewStore()
	store.Upsert(Config{WorkerName: "test-worker", Capabilities: []string{"general"}})

	err := store.UpdateHeartbeat("test-worker")
	assert.NoError(t, err)

	retrieved, _ := store.Get("test-worker")
	require.NotNil(t, retrieved.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *retrieved.LastHeartbeatAt, time.Second)

	err = store.UpdateHeartbeat("non-existent")
	assert.Error(t, err, "不存在的 worker 应返回错误")
}

func TestStore_MarkDraining(t *testing.T) {
	store := NewStore()
	store.Upsert(Config{WorkerName: "test-worker", Capabilities: []string{"general"}})

	err := store.MarkDraining("test-worker")
	assert.NoError(t, err)

	retrieved, _ := store.Get("test-worker")
	assert.True(t, retrieved.Draining)

	err = store.MarkDraining("non-existent")
	assert.Error(t, err, "不存在的 worker 应返回错误")
}
