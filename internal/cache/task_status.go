package cache

import (
	"context"
	"errors"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

// DefaultStatusTTL 终态任务缓存的保留时长
const DefaultStatusTTL = 24 * time.Hour

// TaskStatusCache 终态任务的快速查询缓存。
// 引擎把落终态的任务写进来，状态查询可以不打内存和数据库。
type TaskStatusCache struct {
	cache *RedisCache
	ttl   time.Duration
}

func NewTaskStatusCache(cache *RedisCache, ttl time.Duration) *TaskStatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &TaskStatusCache{cache: cache, ttl: ttl}
}

// SetTaskStatus 写入任务快照
func (c *TaskStatusCache) SetTaskStatus(ctx context.Context, task *model.Task) error {
	return c.cache.Set(ctx, CacheKey("task", task.ID), task, c.ttl)
}

// GetTaskStatus 读取任务快照，未命中返回 (nil, nil)
func (c *TaskStatusCache) GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	err := c.cache.Get(ctx, CacheKey("task", taskID), &task)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// DeleteTaskStatus 移除任务快照
func (c *TaskStatusCache) DeleteTaskStatus(ctx context.Context, taskID string) error {
	return c.cache.Delete(ctx, CacheKey("task", taskID))
}
