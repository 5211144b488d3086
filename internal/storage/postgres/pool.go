package postgres

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/azhengyongqin/dispatch-hub/internal/metrics"
)

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxConns          int32         // 最大连接数，默认 20
	MinConns          int32         // 最小连接数，默认 5
	MaxConnLifetime   time.Duration // 连接最大生命周期，默认 30分钟
	MaxConnIdleTime   time.Duration // 连接最大空闲时间，默认 5分钟
	HealthCheckPeriod time.Duration // 健康检查周期，默认 1分钟
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 20)),
		MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
		MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
	}
}

// NewPool 使用默认配置创建连接池
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return NewPoolWithConfig(ctx, dsn, DefaultPoolConfig())
}

// NewPoolWithConfig 使用指定配置创建连接池
func NewPoolWithConfig(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	if err := validateDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_DSN: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 连通性检查
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PublishPoolStats 把连接池状态上报到指标
func PublishPoolStats(pool *pgxpool.Pool) {
	stat := pool.Stat()
	metrics.UpdateDBPoolStats(stat.AcquiredConns(), stat.IdleConns(), stat.MaxConns())
}

// getEnvAsInt 从环境变量获取 int 值
func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvAsDuration 从环境变量获取 Duration 值（秒）
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultVal
}
