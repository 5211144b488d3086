package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/dispatch-hub/internal/engine"
	"github.com/azhengyongqin/dispatch-hub/internal/middleware"
	"github.com/azhengyongqin/dispatch-hub/internal/server/dto"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// WorkerHandler Worker 相关 API Handler
type WorkerHandler struct {
	engine *engine.Engine
}

// NewWorkerHandler 创建 WorkerHandler
func NewWorkerHandler(eng *engine.Engine) *WorkerHandler {
	return &WorkerHandler{engine: eng}
}

// workerStatus 组合配置、容量快照与熔断器状态
func (h *WorkerHandler) workerStatus(cfg workers.Config) dto.WorkerStatus {
	status := dto.WorkerStatus{Config: cfg}
	if snap, ok := h.engine.Tracker().Snapshot(cfg.WorkerName); ok {
		status.Capacity = &snap
	}
	if states := h.engine.BreakerStates(); states != nil {
		status.BreakerState = states[cfg.WorkerName]
	}
	return status
}

// ListWorkers godoc
// @Summary 获取 Worker 列表
// @Description 获取所有已注册 Worker 的配置与运行时状态
// @Tags Workers
// @Produce json
// @Success 200 {object} dto.WorkerListResponse
// @Router /workers [get]
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	configs := h.engine.Workers()
	items := make([]dto.WorkerStatus, 0, len(configs))
	for _, cfg := range configs {
		items = append(items, h.workerStatus(cfg))
	}
	c.JSON(http.StatusOK, dto.WorkerListResponse{Items: items})
}

// GetWorker godoc
// @Summary 获取 Worker 详情
// @Description 根据 worker_name 获取 Worker 配置、容量快照和熔断器状态
// @Tags Workers
// @Produce json
// @Param worker_name path string true "Worker 名称"
// @Success 200 {object} dto.WorkerResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /workers/{worker_name} [get]
func (h *WorkerHandler) GetWorker(c *gin.Context) {
	workerName := c.Param("worker_name")
	cfg, ok := h.engine.Store().Get(workerName)
	if !ok {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "worker 不存在"})
		return
	}
	c.JSON(http.StatusOK, dto.WorkerResponse{Worker: h.workerStatus(cfg)})
}

// RegisterWorker godoc
// @Summary 注册 Worker
// @Description 注册新 Worker 或更新已有配置，同时接通容量追踪与熔断器
// @Tags Workers
// @Accept json
// @Produce json
// @Param request body dto.RegisterWorkerRequest true "Worker 注册信息"
// @Success 200 {object} dto.WorkerResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /workers/register [post]
func (h *WorkerHandler) RegisterWorker(c *gin.Context) {
	var req dto.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	if !middleware.ValidateWorkerName(req.WorkerName) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "worker_name 格式无效，必须是3-64个字母、数字、下划线或连字符"})
		return
	}
	for _, cap := range req.Capabilities {
		if !middleware.ValidateCapability(cap) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "capabilities 中存在无效的能力标签: " + cap})
			return
		}
	}

	saved, err := h.engine.RegisterWorker(workers.Config{
		WorkerName:     req.WorkerName,
		BaseURL:        req.BaseURL,
		Capabilities:   req.Capabilities,
		MaxConcurrency: req.MaxConcurrency,
		Cost:           req.Cost,
		IsEnabled:      true,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.WorkerResponse{Worker: h.workerStatus(saved)})
}

// UpdateHeartbeat godoc
// @Summary 更新 Worker 心跳
// @Description 刷新指定 Worker 的心跳时间，心跳超时的 Worker 不参与任务分配
// @Tags Workers
// @Produce json
// @Param worker_name path string true "Worker 名称"
// @Success 200 {object} dto.HeartbeatResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /workers/{worker_name}/heartbeat [post]
func (h *WorkerHandler) UpdateHeartbeat(c *gin.Context) {
	workerName := c.Param("worker_name")

	if err := h.engine.Heartbeat(workerName); err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "worker 不存在"})
		return
	}

	c.JSON(http.StatusOK, dto.HeartbeatResponse{
		Status:      "ok",
		WorkerName:  workerName,
		HeartbeatAt: time.Now(),
	})
}

// DeregisterWorker godoc
// @Summary 注销 Worker
// @Description 注销 Worker。drain=true 时进入排空（在途任务完成后移除），否则立即移除并把在途任务重新入队
// @Tags Workers
// @Produce json
// @Param worker_name path string true "Worker 名称"
// @Param drain query bool false "是否排空" default(false)
// @Success 200 {object} dto.DeregisterWorkerResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /workers/{worker_name} [delete]
func (h *WorkerHandler) DeregisterWorker(c *gin.Context) {
	workerName := c.Param("worker_name")
	drain := c.DefaultQuery("drain", "false") == "true"

	if err := h.engine.DeregisterWorker(workerName, drain); err != nil {
		if errors.Is(err, engine.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "worker 不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.DeregisterWorkerResponse{
		Status:     "ok",
		WorkerName: workerName,
		Draining:   drain,
	})
}
