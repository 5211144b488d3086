package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/breaker"
	"github.com/azhengyongqin/dispatch-hub/internal/cache"
	"github.com/azhengyongqin/dispatch-hub/internal/config"
	"github.com/azhengyongqin/dispatch-hub/internal/engine"
	"github.com/azhengyongqin/dispatch-hub/internal/executor"
	"github.com/azhengyongqin/dispatch-hub/internal/healthcheck"
	"github.com/azhengyongqin/dispatch-hub/internal/logger"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	"github.com/azhengyongqin/dispatch-hub/internal/repository"
	httpserver "github.com/azhengyongqin/dispatch-hub/internal/server"
	"github.com/azhengyongqin/dispatch-hub/internal/storage/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
)

// @title Dispatch-Hub API
// @version 1.0.0
// @description 优先级任务分发与负载均衡引擎 - 严格优先级队列、容量感知匹配与熔断保护
// @license.name MIT
// @BasePath /api/v1
// @schemes http https
// @host localhost:28080

func main() {
	// 初始化结构化日志（开发模式）
	if err := logger.Init(false); err != nil {
		logger.L.Fatal().Err(err).Msg("初始化日志失败")
		os.Exit(1)
	}
	defer logger.Sync()

	// 加载并验证配置
	cfg, err := config.Load()
	if err != nil {
		logger.L.Fatal().Err(err).Msg("加载配置失败")
	}
	if err := cfg.Validate(); err != nil {
		logger.L.Fatal().Err(err).Msg("配置验证失败")
	}

	logger.L.Info().Str("http", cfg.HTTP.Addr).Msg("服务启动")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres 归档（可选）：没配 DSN 时终态任务只留在内存
	var (
		pool     *pgxpool.Pool
		taskRepo repository.TaskRepository
		archiver engine.Archiver
	)
	if cfg.Postgres.DSN != "" {
		if err := postgres.AutoMigrate(cfg.Postgres.DSN); err != nil {
			logger.L.Fatal().Err(err).Msg("数据库迁移失败")
		}

		pool, err = postgres.NewPoolWithConfig(ctx, cfg.Postgres.DSN, postgres.PoolConfig{
			MaxConns:          cfg.DBPool.MaxConns,
			MinConns:          cfg.DBPool.MinConns,
			MaxConnLifetime:   cfg.DBPool.MaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPool.MaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPool.HealthCheckPeriod,
		})
		if err != nil {
			logger.L.Fatal().Err(err).Msg("连接数据库失败")
		}
		defer pool.Close()

		repo := repository.NewTaskRepo(pool)
		taskRepo = repo
		archiver = repository.NewRecorder(repo)
		logger.L.Info().Msg("任务归档已启用")

		// 定期发布连接池指标
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					postgres.PublishPoolStats(pool)
				}
			}
		}()
	}

	// Redis 状态缓存（可选）
	var (
		redisCache  *cache.RedisCache
		statusCache engine.StatusCache
	)
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			logger.L.Fatal().Err(err).Msg("连接 Redis 失败")
		}
		defer redisCache.Close()
		statusCache = cache.NewTaskStatusCache(redisCache, cache.DefaultStatusTTL)
		logger.L.Info().Msg("任务状态缓存已启用")
	}

	// 调度引擎
	eng := engine.New(engine.Config{
		DispatcherConcurrency: cfg.Engine.DispatcherConcurrency,
		QueueDepthLimit:       cfg.Engine.QueueDepthLimit,
		MaxRetries:            cfg.Engine.MaxRetries,
		RetryBaseDelay:        cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:         cfg.Engine.RetryMaxDelay,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Engine.BreakerFailureThreshold,
			ResetTimeout:     cfg.Engine.BreakerResetTimeout,
			ProbeLimit:       cfg.Engine.BreakerProbeLimit,
		},
		AgingThresholds: [model.PriorityLevels]time.Duration{
			0, 0, cfg.Engine.AgingThresholdP2, cfg.Engine.AgingThresholdP3,
		},
		RebalanceInterval:   cfg.Engine.RebalanceInterval,
		VarianceThreshold:   cfg.Engine.VarianceThreshold,
		HeartbeatTTL:        cfg.Engine.HeartbeatTTL,
		EWMAAlpha:           cfg.Engine.EWMAAlpha,
		DegradedUtilization: cfg.Engine.DegradedUtilization,
	}, executor.NewHTTP(cfg.Engine.ExecutorTimeout), archiver, statusCache)

	eng.Start(ctx)
	defer eng.Stop()

	healthChecker := healthcheck.NewHealthChecker(pool, redisCache)

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpserver.NewRouter(httpserver.Deps{
			Engine:        eng,
			TaskRepo:      taskRepo,
			HealthChecker: healthChecker,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.L.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP 服务监听")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Fatal().Err(err).Msg("HTTP 服务错误")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	logger.L.Info().Msg("服务已优雅关闭")
}
