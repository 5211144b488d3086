package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
)

const (
	// MaxPayloadSize 最大 payload 大小（2MB）
	MaxPayloadSize = 2 * 1024 * 1024
)

var (
	// WorkerNameRegex Worker 名称正则（字母数字下划线连字符，3-64字符）
	WorkerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

	// CapabilityRegex 能力标签正则（字母数字下划线连字符，1-64字符）
	CapabilityRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	// TaskIDRegex TaskID 正则（字母数字连字符，1-128字符）
	TaskIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{1,128}$`)
)

// PayloadSizeLimit Payload 大小限制中间件
func PayloadSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "请求体过大，最大允许 2MB",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ValidateWorkerName 验证 Worker 名称
func ValidateWorkerName(workerName string) bool {
	return WorkerNameRegex.MatchString(workerName)
}

// ValidateCapability 验证能力标签
func ValidateCapability(capability string) bool {
	return CapabilityRegex.MatchString(capability)
}

// ValidateTaskID 验证 Task ID
func ValidateTaskID(taskID string) bool {
	return TaskIDRegex.MatchString(taskID)
}

// ValidatePriority 验证优先级标签（P0-P3，空串按 P3 处理）
func ValidatePriority(priority string) bool {
	_, err := model.ParsePriority(priority)
	return err == nil
}

// SanitizeString 清理字符串（去除危险字符）
func SanitizeString(s string) string {
	// 去除前后空格
	s = strings.TrimSpace(s)

	// 去除控制字符
	var builder strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

// ValidateWorkerNameParam Gin 中间件：验证路径参数中的 worker_name
func ValidateWorkerNameParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		workerName := c.Param("worker_name")
		if workerName == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "worker_name 参数缺失",
			})
			c.Abort()
			return
		}

		if !ValidateWorkerName(workerName) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "worker_name 格式无效，必须是3-64个字母、数字、下划线或连字符",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ValidateTaskIDParam Gin 中间件：验证路径参数中的 task_id
func ValidateTaskIDParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if taskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "task_id 参数缺失",
			})
			c.Abort()
			return
		}

		if !ValidateTaskID(taskID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "task_id 格式无效，必须是1-128个字母、数字或连字符",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS 中间件（内部系统可选）
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
