package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Reporter struct {
	ControlPlaneURL string
	HTTPClient      *http.Client
	WorkerName      string
}

func (r Reporter) enabled() bool {
	return r.ControlPlaneURL != ""
}

func (r Reporter) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 3 * time.Second}
}

// ReportOutcomeRequest 执行结局上报。
// WorkerName 留空时由 Reporter 填入自己的名字；控制面用它校验
// 上报者就是任务当前的受派 worker。
type ReportOutcomeRequest struct {
	WorkerName string `json:"worker_name"`
	Kind       string `json:"kind"` // success/failure/timeout/cancelled
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// MarkProcessing 通知控制面任务已开始处理
func (r Reporter) MarkProcessing(ctx context.Context, taskID string) error {
	if !r.enabled() {
		return nil
	}
	u := fmt.Sprintf("%s/api/v1/tasks/%s/processing", r.ControlPlaneURL, taskID)
	httpReq, _ := http.NewRequestWithContext(ctx, "POST", u, nil)

	resp, err := r.client().Do(httpReq)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mark processing failed: status=%d", resp.StatusCode)
	}
	return nil
}

// ReportOutcome 上报任务最终执行结局。
// 这一步释放 worker 在控制面占用的容量配额，失败会导致配额泄漏，
// 调用方应使用 ReportWithRetry。
func (r Reporter) ReportOutcome(ctx context.Context, taskID string, req ReportOutcomeRequest) error {
	if !r.enabled() {
		return nil
	}
	if req.WorkerName == "" {
		req.WorkerName = r.WorkerName
	}

	b, _ := json.Marshal(req)
	u := fmt.Sprintf("%s/api/v1/tasks/%s/report-outcome", r.ControlPlaneURL, taskID)
	httpReq, _ := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(httpReq)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("report outcome failed: status=%d", resp.StatusCode)
	}
	return nil
}
