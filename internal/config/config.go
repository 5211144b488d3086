package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	HTTP       HTTPConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	DBPool     DBPoolConfig
	Engine     EngineConfig
	Monitoring MonitoringConfig
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr string
}

// RedisConfig Redis 配置。URL 为空时关闭状态缓存。
type RedisConfig struct {
	URL string
}

// PostgresConfig PostgreSQL 配置。DSN 为空时关闭任务归档。
type PostgresConfig struct {
	DSN string
}

// DBPoolConfig 数据库连接池配置
type DBPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// EngineConfig 调度引擎配置
type EngineConfig struct {
	DispatcherConcurrency int
	QueueDepthLimit       int
	MaxRetries            int32
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerProbeLimit       int

	AgingThresholdP2 time.Duration
	AgingThresholdP3 time.Duration

	RebalanceInterval time.Duration
	VarianceThreshold float64
	HeartbeatTTL      time.Duration

	EWMAAlpha           float64
	DegradedUtilization float64

	ExecutorTimeout time.Duration
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Enabled bool
	Port    int
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	// 允许从环境变量读取（优先级最高）
	v.AutomaticEnv()

	// 缺省值走 SetDefault 而不是取值后回填：
	// 显式配置 MAX_RETRIES=0、AGING_THRESHOLD_P2=0 这类合法的零值
	// 才不会被默认值悄悄覆盖。
	v.SetDefault("HTTP_ADDR", ":28080")

	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	v.SetDefault("DB_HEALTH_CHECK_PERIOD", time.Minute)

	v.SetDefault("DISPATCHER_CONCURRENCY", 4)
	v.SetDefault("QUEUE_DEPTH_LIMIT", 10000)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", 500*time.Millisecond)
	v.SetDefault("RETRY_MAX_DELAY", 30*time.Second)
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_RESET_TIMEOUT", time.Minute)
	v.SetDefault("BREAKER_PROBE_LIMIT", 3)
	v.SetDefault("AGING_THRESHOLD_P2", 30*time.Second)
	v.SetDefault("AGING_THRESHOLD_P3", 60*time.Second)
	v.SetDefault("REBALANCE_INTERVAL", 5*time.Second)
	v.SetDefault("VARIANCE_THRESHOLD", 0.1)
	v.SetDefault("HEARTBEAT_TTL", 30*time.Second)
	v.SetDefault("EWMA_ALPHA", 0.2)
	v.SetDefault("DEGRADED_UTILIZATION", 0.9)
	v.SetDefault("EXECUTOR_TIMEOUT", 10*time.Second)

	v.SetDefault("MONITORING_PORT", 29091)

	// 读取配置文件（如果存在）
	_ = v.ReadInConfig() // 忽略错误，因为可能只使用环境变量

	cfg := &Config{}

	// HTTP 配置
	cfg.HTTP.Addr = v.GetString("HTTP_ADDR")

	// Redis / PostgreSQL 都是可选依赖：不配置时引擎纯内存运行
	cfg.Redis.URL = v.GetString("REDIS_URL")
	cfg.Postgres.DSN = v.GetString("POSTGRES_DSN")

	// 数据库连接池配置
	cfg.DBPool.MaxConns = int32(v.GetInt("DB_MAX_CONNS"))
	cfg.DBPool.MinConns = int32(v.GetInt("DB_MIN_CONNS"))
	cfg.DBPool.MaxConnLifetime = v.GetDuration("DB_MAX_CONN_LIFETIME")
	cfg.DBPool.MaxConnIdleTime = v.GetDuration("DB_MAX_CONN_IDLE_TIME")
	cfg.DBPool.HealthCheckPeriod = v.GetDuration("DB_HEALTH_CHECK_PERIOD")

	// 引擎配置
	cfg.Engine.DispatcherConcurrency = v.GetInt("DISPATCHER_CONCURRENCY")
	cfg.Engine.QueueDepthLimit = v.GetInt("QUEUE_DEPTH_LIMIT")
	cfg.Engine.MaxRetries = int32(v.GetInt("MAX_RETRIES"))
	cfg.Engine.RetryBaseDelay = v.GetDuration("RETRY_BASE_DELAY")
	cfg.Engine.RetryMaxDelay = v.GetDuration("RETRY_MAX_DELAY")
	cfg.Engine.BreakerFailureThreshold = v.GetInt("BREAKER_FAILURE_THRESHOLD")
	cfg.Engine.BreakerResetTimeout = v.GetDuration("BREAKER_RESET_TIMEOUT")
	cfg.Engine.BreakerProbeLimit = v.GetInt("BREAKER_PROBE_LIMIT")
	cfg.Engine.AgingThresholdP2 = v.GetDuration("AGING_THRESHOLD_P2")
	cfg.Engine.AgingThresholdP3 = v.GetDuration("AGING_THRESHOLD_P3")
	cfg.Engine.RebalanceInterval = v.GetDuration("REBALANCE_INTERVAL")
	cfg.Engine.VarianceThreshold = v.GetFloat64("VARIANCE_THRESHOLD")
	cfg.Engine.HeartbeatTTL = v.GetDuration("HEARTBEAT_TTL")
	cfg.Engine.EWMAAlpha = v.GetFloat64("EWMA_ALPHA")
	cfg.Engine.DegradedUtilization = v.GetFloat64("DEGRADED_UTILIZATION")
	cfg.Engine.ExecutorTimeout = v.GetDuration("EXECUTOR_TIMEOUT")

	// 监控配置
	cfg.Monitoring.Enabled = v.GetBool("MONITORING_ENABLED")
	cfg.Monitoring.Port = v.GetInt("MONITORING_PORT")

	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP address is required")
	}
	if c.Engine.EWMAAlpha <= 0 || c.Engine.EWMAAlpha > 1 {
		return fmt.Errorf("EWMA_ALPHA must be in (0,1]")
	}
	if c.Engine.DegradedUtilization <= 0 || c.Engine.DegradedUtilization > 1 {
		return fmt.Errorf("DEGRADED_UTILIZATION must be in (0,1]")
	}
	if c.Engine.VarianceThreshold <= 0 {
		return fmt.Errorf("VARIANCE_THRESHOLD must be positive")
	}
	return nil
}
