package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/dispatch-hub/internal/engine"
	"github.com/azhengyongqin/dispatch-hub/internal/model"
	"github.com/azhengyongqin/dispatch-hub/internal/server/dto"
)

// StatsHandler 引擎运行时统计 Handler
type StatsHandler struct {
	engine *engine.Engine
}

// NewStatsHandler 创建 StatsHandler
func NewStatsHandler(eng *engine.Engine) *StatsHandler {
	return &StatsHandler{engine: eng}
}

// GetStats godoc
// @Summary 获取引擎统计
// @Description 获取队列深度、在途任务数、worker 容量快照和熔断器状态
// @Tags Stats
// @Produce json
// @Success 200 {object} dto.StatsResponse
// @Router /stats [get]
func (h *StatsHandler) GetStats(c *gin.Context) {
	depths := h.engine.QueueDepths()
	queueDepths := make(map[string]int, model.PriorityLevels)
	for i, depth := range depths {
		queueDepths[model.Priority(i).String()] = depth
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		QueueDepths: queueDepths,
		Inflight:    h.engine.InflightCount(),
		Workers:     h.engine.WorkerSnapshots(),
		Breakers:    h.engine.BreakerStates(),
	})
}
