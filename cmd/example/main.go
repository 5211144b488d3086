package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/azhengyongqin/dispatch-hub/sdk"
)

// 示例程序：
//   go run ./cmd/example                      启动一个演示 worker
//   go run ./cmd/example generate-test-data   生成一批测试任务
func main() {
	// 检查是否是测试数据生成模式
	if len(os.Args) > 1 && os.Args[1] == "generate-test-data" {
		generateTestData()
		return
	}

	runWorker()
}

// controlPlaneURL 控制面地址
func controlPlaneURL() string {
	if u := os.Getenv("DISPATCH_HUB_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:28080"
}

// generateTestData 生成测试数据，用于观察优先级调度与负载均衡行为
func generateTestData() {
	log.Println("=== 开始生成测试数据 ===")

	client := sdk.NewClient(controlPlaneURL())
	ctx := context.Background()

	// 每种能力生成不同数量的任务
	taskCounts := map[string]int{
		"web-crawl":     50,
		"text-analyze":  35,
		"image-process": 25,
		"data-export":   15,
	}

	priorities := []string{"P0", "P1", "P2", "P3"}

	for capability, count := range taskCounts {
		for i := 0; i < count; i++ {
			// 随机选择优先级，P3 权重最高，模拟真实流量分布
			priority := priorities[rand.Intn(len(priorities))]
			if rand.Float32() < 0.5 {
				priority = "P3"
			}

			resp, err := client.SubmitTask(ctx, sdk.SubmitTaskRequest{
				Priority:     priority,
				Requirements: []string{capability},
				Cost:         1 + rand.Float64()*3,
				Payload:      generatePayload(capability, i),
			})
			if err != nil {
				log.Printf("提交任务失败: %v", err)
				continue
			}
			_ = resp

			// 避免过快入队
			time.Sleep(5 * time.Millisecond)
		}
		log.Printf("  → 能力 %s: 已生成 %d 个任务（随机分布在 P0-P3）", capability, count)
	}

	log.Println("=== 测试数据生成完成 ===")
	log.Println("提示: 启动 worker 来处理这些任务:")
	log.Println("  go run ./cmd/example")
}

// generatePayload 根据能力类型生成合适的 payload。
// 20% 的任务故意设置为会失败的 payload，用来观察重试与熔断。
func generatePayload(capability string, index int) []byte {
	willFail := rand.Float32() < 0.2

	switch capability {
	case "web-crawl":
		url := fmt.Sprintf("https://example.com/page-%d", index)
		if willFail {
			url = "fail-" + url
		}
		return []byte(fmt.Sprintf(`{"url":"%s"}`, url))

	case "text-analyze":
		text := fmt.Sprintf("这是第 %d 条待分析的文本内容...", index)
		if willFail {
			text = "fail-" + text
		}
		return []byte(fmt.Sprintf(`{"text":"%s","analysis_type":"sentiment"}`, text))

	case "image-process":
		operation := "resize"
		if willFail {
			operation = "fail-resize"
		}
		return []byte(fmt.Sprintf(`{"image_id":"img-%d","operation":"%s","params":{"width":800,"height":600}}`, index, operation))

	case "data-export":
		format := "csv"
		if willFail {
			format = ""
		}
		return []byte(fmt.Sprintf(`{"export_id":"export-%d","format":"%s"}`, index, format))

	default:
		return []byte(fmt.Sprintf(`{"task_index":%d}`, index))
	}
}

// runWorker 运行演示 worker
func runWorker() {
	workerName := os.Getenv("WORKER_NAME")
	if workerName == "" {
		workerName = "demo-worker-1"
	}
	listenAddr := os.Getenv("WORKER_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":9090"
	}

	work, err := sdk.New(
		workerName,
		sdk.WithControlPlaneURL(controlPlaneURL()),
		sdk.WithListenAddr(listenAddr),
		sdk.WithAdvertiseURL("http://127.0.0.1"+listenAddr),
		sdk.WithCapabilities("web-crawl", "text-analyze", "image-process", "data-export"),
		sdk.WithMaxConcurrency(10),
		sdk.WithDrainOnStop(),
	)
	if err != nil {
		log.Fatalf("new worker: %v", err)
	}

	work.Handle(handleTask)

	if err := work.Run(); err != nil {
		log.Fatalf("worker run: %v", err)
	}
}

// handleTask 通用任务处理函数
func handleTask(ctx context.Context, t *sdk.Task) error {
	var payload map[string]interface{}
	if err := t.UnmarshalPayload(&payload); err != nil {
		return err
	}

	log.Printf("开始: task_id=%s priority=P%d", t.ID, t.Priority)

	// 模拟处理时间（随机），期间响应取消
	duration := time.Duration(100+rand.Intn(500)) * time.Millisecond
	select {
	case <-ctx.Done():
		log.Printf("已取消: task_id=%s", t.ID)
		return ctx.Err()
	case <-time.After(duration):
	}

	// 检查是否应该失败
	for _, v := range payload {
		if str, ok := v.(string); ok {
			if strings.HasPrefix(str, "fail") || str == "" {
				log.Printf("失败: task_id=%s (故意失败)", t.ID)
				return fmt.Errorf("任务故意失败: %v", payload)
			}
		}
	}

	log.Printf("完成: task_id=%s (耗时: %v)", t.ID, duration)
	return nil
}
