package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client HTTP 客户端，用于与控制面通信
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient 创建客户端
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SubmitTaskRequest 任务提交请求
type SubmitTaskRequest struct {
	TaskID       string          `json:"task_id,omitempty"`
	Priority     string          `json:"priority,omitempty"` // P0-P3，默认 P3
	Requirements []string        `json:"requirements,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	Affinity     string          `json:"affinity,omitempty"`
	AntiAffinity []string        `json:"anti_affinity,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// SubmitTaskResponse 任务提交响应
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// SubmitTask 向控制面提交任务
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*SubmitTaskResponse, error) {
	var result SubmitTaskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask 查询任务状态
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var result struct {
		Task Task `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// CancelTask 取消任务
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil, nil)
}

// WorkerConfig Worker 注册信息
type WorkerConfig struct {
	WorkerName     string   `json:"worker_name"`
	BaseURL        string   `json:"base_url,omitempty"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int32    `json:"max_concurrency,omitempty"`
	Cost           float64  `json:"cost,omitempty"`
}

// RegisterWorker 注册 worker 到控制面
func (c *Client) RegisterWorker(ctx context.Context, cfg WorkerConfig) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/workers/register", cfg, nil)
}

// UpdateHeartbeat 更新 Worker 心跳
func (c *Client) UpdateHeartbeat(ctx context.Context, workerName string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/workers/"+workerName+"/heartbeat", nil, nil)
}

// DeregisterWorker 注销 worker。drain=true 时先排空在途任务
func (c *Client) DeregisterWorker(ctx context.Context, workerName string, drain bool) error {
	path := "/api/v1/workers/" + workerName
	if drain {
		path += "?drain=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
