package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/dispatch-hub/internal/engine"
	"github.com/azhengyongqin/dispatch-hub/internal/middleware"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	"github.com/azhengyongqin/dispatch-hub/internal/repository"
	"github.com/azhengyongqin/dispatch-hub/internal/server/dto"
)

// TaskHandler Task 相关 API Handler
type TaskHandler struct {
	engine   *engine.Engine
	taskRepo repository.TaskRepository
}

// NewTaskHandler 创建 TaskHandler
func NewTaskHandler(eng *engine.Engine, taskRepo repository.TaskRepository) *TaskHandler {
	return &TaskHandler{
		engine:   eng,
		taskRepo: taskRepo,
	}
}

// SubmitTask godoc
// @Summary 提交任务
// @Description 提交新任务进入优先级队列，由 Dispatcher 异步分配给 worker
// @Tags Tasks
// @Accept json
// @Produce json
// @Param request body dto.SubmitTaskRequest true "任务提交请求"
// @Success 202 {object} dto.SubmitTaskResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 429 {object} dto.ErrorResponse
// @Router /tasks [post]
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var req dto.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	// 验证 task_id 格式（如果提供）
	if req.TaskID != "" && !middleware.ValidateTaskID(req.TaskID) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "task_id 格式无效"})
		return
	}

	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	// 验证能力标签格式
	for _, cap := range req.Requirements {
		if !middleware.ValidateCapability(cap) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "requirements 中存在无效的能力标签: " + cap})
			return
		}
	}

	// 验证 payload 大小
	if len(req.Payload) > middleware.MaxPayloadSize {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "payload 过大，最大 2MB"})
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = model.NewTaskID()
	}

	task := &model.Task{
		ID:           taskID,
		Priority:     priority,
		Requirements: req.Requirements,
		Cost:         req.Cost,
		Affinity:     req.Affinity,
		AntiAffinity: req.AntiAffinity,
		Payload:      req.Payload,
	}
	if req.Deadline != nil {
		task.Deadline = *req.Deadline
	}

	if err := h.engine.Submit(c.Request.Context(), task); err != nil {
		switch {
		case errors.Is(err, engine.ErrQueueSaturated):
			// 背压信号：队列已满，调用方应退避后重试
			c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "队列已饱和，请稍后重试"})
		case errors.Is(err, engine.ErrEngineClosed):
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "引擎已关闭"})
		default:
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitTaskResponse{
		TaskID:   taskID,
		Priority: priority.String(),
		Status:   string(model.TaskStatusQueued),
	})
}

// GetTask godoc
// @Summary 获取任务详情
// @Description 查询任务当前状态（排队中/在途/终态），终态任务附带执行历史
// @Tags Tasks
// @Produce json
// @Param task_id path string true "任务 ID"
// @Success 200 {object} dto.TaskResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /tasks/{task_id} [get]
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := h.engine.Status(c.Request.Context(), taskID)
	if err == nil {
		resp := dto.TaskResponse{Task: task}
		if h.taskRepo != nil {
			if attempts, err := h.taskRepo.ListAttempts(c.Request.Context(), taskID, 50); err == nil && len(attempts) > 0 {
				resp.Attempts = attempts
			}
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// 引擎内存中不存在时回退到归档仓储（重启前的历史任务）
	if h.taskRepo != nil {
		if record, repoErr := h.taskRepo.GetTask(c.Request.Context(), taskID); repoErr == nil {
			attempts, _ := h.taskRepo.ListAttempts(c.Request.Context(), taskID, 50)
			c.JSON(http.StatusOK, dto.TaskResponse{Task: record, Attempts: attempts})
			return
		}
	}

	c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "task 不存在"})
}

// ListTasks godoc
// @Summary 查询任务归档列表
// @Description 分页查询终态任务归档，支持多条件过滤
// @Tags Tasks
// @Produce json
// @Param worker_name query string false "Worker 名称"
// @Param status query string false "任务状态"
// @Param priority query string false "优先级（P0-P3）"
// @Param limit query int false "每页数量" default(50)
// @Param offset query int false "偏移量" default(0)
// @Success 200 {object} dto.TaskListResponse
// @Failure 501 {object} dto.ErrorResponse
// @Router /tasks [get]
func (h *TaskHandler) ListTasks(c *gin.Context) {
	if h.taskRepo == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "Postgres 未配置"})
		return
	}

	priority := -1
	if p := c.Query("priority"); p != "" {
		parsed, err := model.ParsePriority(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		priority = int(parsed)
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := repository.ListTasksFilter{
		WorkerName: c.DefaultQuery("worker_name", ""),
		Status:     c.DefaultQuery("status", ""),
		Priority:   priority,
		Limit:      limit,
		Offset:     offset,
	}

	items, err := h.taskRepo.ListTasks(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	total, err := h.taskRepo.CountTasks(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.TaskListResponse{Items: items, Total: total})
}

// CancelTask godoc
// @Summary 取消任务
// @Description 取消排队中或执行中的任务。排队中的任务同步取消；执行中的任务把取消请求转发给 worker
// @Tags Tasks
// @Produce json
// @Param task_id path string true "任务 ID"
// @Success 200 {object} dto.CancelTaskResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /tasks/{task_id}/cancel [post]
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := h.engine.Cancel(c.Request.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "task 不存在"})
		case errors.Is(err, engine.ErrTaskNotCancellable):
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "任务已结束，无法取消"})
		default:
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CancelTaskResponse{
		Status:     "ok",
		TaskID:     taskID,
		TaskStatus: string(task.Status),
	})
}

// MarkProcessing godoc
// @Summary 确认任务开始执行
// @Description Worker 收到任务后确认开始处理时调用
// @Tags Tasks
// @Produce json
// @Param task_id path string true "任务 ID"
// @Success 200 {object} dto.SuccessResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /tasks/{task_id}/processing [post]
func (h *TaskHandler) MarkProcessing(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.engine.MarkProcessing(taskID); err != nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "task 不在执行中"})
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Status: "ok"})
}

// ReportOutcome godoc
// @Summary 上报任务执行结局
// @Description Worker 上报任务最终执行结果（success/failure/timeout/cancelled），释放容量并驱动熔断与重试
// @Tags Tasks
// @Accept json
// @Produce json
// @Param task_id path string true "任务 ID"
// @Param request body dto.ReportOutcomeRequest true "执行结局"
// @Success 200 {object} dto.SuccessResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /tasks/{task_id}/report-outcome [post]
func (h *TaskHandler) ReportOutcome(c *gin.Context) {
	taskID := c.Param("task_id")

	var req dto.ReportOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	kind := model.OutcomeKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "kind 必须是 success/failure/timeout/cancelled"})
		return
	}

	outcome := model.Outcome{
		Kind:    kind,
		Error:   req.Error,
		Latency: time.Duration(req.LatencyMs) * time.Millisecond,
	}

	if err := h.engine.ReportOutcome(c.Request.Context(), taskID, req.WorkerName, outcome); err != nil {
		if errors.Is(err, engine.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "task 不在执行中"})
			return
		}
		if errors.Is(err, engine.ErrWorkerMismatch) {
			c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "worker 不是该任务的受派 worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{Status: "ok", Message: "上报成功"})
}
