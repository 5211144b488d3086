// Package executor 把引擎的派发决策变成对 worker 的 HTTP 推送。
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/azhengyongqin/dispatch-hub/internal/model"
	workers "github.com/azhengyongqin/dispatch-hub/internal/worker"
)

// HTTP 通过 worker 注册时声明的 base_url 推送任务。
// 只负责信令：推送成功不代表任务成功，结果由 worker 回报。
type HTTP struct {
	client *http.Client
}

func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
	}
}

// Assign 推送任务。非 2xx 响应视为信号失败。
func (h *HTTP) Assign(ctx context.Context, worker workers.Config, task *model.Task) error {
	if worker.BaseURL == "" {
		return fmt.Errorf("worker %s 未配置 base_url", worker.WorkerName)
	}
	url := fmt.Sprintf("%s/tasks", worker.BaseURL)

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Cancel 请求 worker 停止任务。尽力而为，404 视为任务已结束。
func (h *HTTP) Cancel(ctx context.Context, worker workers.Config, taskID string) error {
	if worker.BaseURL == "" {
		return fmt.Errorf("worker %s 未配置 base_url", worker.WorkerName)
	}
	url := fmt.Sprintf("%s/tasks/%s/cancel", worker.BaseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
