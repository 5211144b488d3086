package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/azhengyongqin/dispatch-hub/internal/engine"
	"github.com/azhengyongqin/dispatch-hub/internal/healthcheck"
	"github.com/azhengyongqin/dispatch-hub/internal/middleware"
	"github.com/azhengyongqin/dispatch-hub/internal/repository"
	"github.com/azhengyongqin/dispatch-hub/internal/server/handler"
)

type Deps struct {
	// Engine 调度引擎（必填）
	Engine *engine.Engine

	// TaskRepo 可选：若提供则终态任务可从归档查询（列表/详情/执行历史）
	TaskRepo repository.TaskRepository

	// HealthChecker 健康检查器
	HealthChecker *healthcheck.HealthChecker
}

// NewRouter 提供 Gin HTTP API
// @title Dispatch-Hub API
// @version 1.0.0
// @description 优先级任务分发与负载均衡引擎 API
// @BasePath /api/v1
// @schemes http https
func NewRouter(deps Deps) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	// 全局中间件
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(middleware.PrometheusMiddleware())
	r.Use(middleware.PayloadSizeLimit(middleware.MaxPayloadSize))
	r.Use(middleware.CORSMiddleware())

	// 创建各个 handler 实例
	healthHandler := handler.NewHealthHandler(deps.HealthChecker)
	workerHandler := handler.NewWorkerHandler(deps.Engine)
	taskHandler := handler.NewTaskHandler(deps.Engine, deps.TaskRepo)
	statsHandler := handler.NewStatsHandler(deps.Engine)

	// 健康检查路由
	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)

	// Prometheus metrics 端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger API 文档
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")
	{
		// Worker 相关路由
		api.GET("/workers", workerHandler.ListWorkers)
		api.GET("/workers/:worker_name", middleware.ValidateWorkerNameParam(), workerHandler.GetWorker)
		api.POST("/workers/register", workerHandler.RegisterWorker)
		api.POST("/workers/:worker_name/heartbeat", middleware.ValidateWorkerNameParam(), workerHandler.UpdateHeartbeat)
		api.DELETE("/workers/:worker_name", middleware.ValidateWorkerNameParam(), workerHandler.DeregisterWorker)

		// Task 相关路由
		api.POST("/tasks", taskHandler.SubmitTask)
		api.GET("/tasks", taskHandler.ListTasks)
		api.GET("/tasks/:task_id", middleware.ValidateTaskIDParam(), taskHandler.GetTask)
		api.POST("/tasks/:task_id/cancel", middleware.ValidateTaskIDParam(), taskHandler.CancelTask)
		api.POST("/tasks/:task_id/processing", middleware.ValidateTaskIDParam(), taskHandler.MarkProcessing)
		api.POST("/tasks/:task_id/report-outcome", middleware.ValidateTaskIDParam(), taskHandler.ReportOutcome)

		// 运行时统计
		api.GET("/stats", statsHandler.GetStats)
	}

	return r
}
