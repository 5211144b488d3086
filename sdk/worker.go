package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoaded bool
	envLoadMu sync.Mutex
)

func init() {
	// 在包初始化时尝试加载 .env 文件
	_ = loadEnvFile()
}

// loadEnvFile 尝试从项目根目录加载 .env 文件，
// 按优先级尝试多个路径，找到第一个存在的为止。
func loadEnvFile() error {
	envLoadMu.Lock()
	defer envLoadMu.Unlock()

	if envLoaded {
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	possiblePaths := []string{
		filepath.Join(wd, ".env"),
		filepath.Join(wd, "..", ".env"),
		filepath.Join(wd, "..", "..", ".env"),
	}

	var envPath string
	for _, path := range possiblePaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			envPath = absPath
			break
		}
	}

	// 没有找到 .env 文件时允许纯环境变量配置
	if envPath == "" {
		envLoaded = true
		return nil
	}

	if err := godotenv.Load(envPath); err != nil {
		return err
	}

	log.Printf("[dispatchhub-worker] 已加载环境变量文件: %s", envPath)
	envLoaded = true
	return nil
}

// Handler 任务处理函数。返回 nil 上报 success，返回错误上报 failure；
// ctx 被取消时应尽快停止并返回 ctx.Err()。
type Handler func(ctx context.Context, task *Task) error

// Worker 推送模型的 worker 运行时。
//
// 控制面通过 worker 注册的 base_url 推送任务，worker 本地起一个
// HTTP 服务接收：
//   - POST /tasks            接收任务分配
//   - POST /tasks/:id/cancel 接收取消请求
//
// SDK 负责注册、心跳、并发控制和结局上报，用户只需要写 Handler。
type Worker struct {
	workerName      string
	controlPlaneURL string
	listenAddr      string
	advertiseURL    string // 注册给控制面的 base_url，默认 http://<hostname><listenAddr>

	capabilities   []string
	maxConcurrency int32
	cost           float64

	heartbeatInterval time.Duration
	autoRegister      bool
	drainOnStop       bool

	handler  Handler
	reporter Reporter

	sem     chan struct{}
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	server *http.Server
}

type Option func(*Worker)

func WithControlPlaneURL(u string) Option   { return func(w *Worker) { w.controlPlaneURL = u } }
func WithListenAddr(addr string) Option     { return func(w *Worker) { w.listenAddr = addr } }
func WithAdvertiseURL(u string) Option      { return func(w *Worker) { w.advertiseURL = u } }
func WithCapabilities(caps ...string) Option {
	return func(w *Worker) { w.capabilities = caps }
}
func WithMaxConcurrency(n int32) Option { return func(w *Worker) { w.maxConcurrency = n } }
func WithCost(cost float64) Option      { return func(w *Worker) { w.cost = cost } }
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeatInterval = d }
}
func WithoutAutoRegister() Option { return func(w *Worker) { w.autoRegister = false } }

// WithDrainOnStop 关闭时先排空：注销请求带 drain=true，
// 控制面等在途任务完成后才真正移除该 worker。
func WithDrainOnStop() Option { return func(w *Worker) { w.drainOnStop = true } }

// New 创建 worker 运行时
func New(workerName string, opts ...Option) (*Worker, error) {
	w := &Worker{
		workerName:        workerName,
		controlPlaneURL:   os.Getenv("DISPATCH_HUB_URL"),
		listenAddr:        ":9090",
		maxConcurrency:    10,
		heartbeatInterval: 10 * time.Second,
		autoRegister:      true,
		running:           map[string]context.CancelFunc{},
	}
	for _, o := range opts {
		o(w)
	}

	if w.workerName == "" {
		w.workerName = DefaultWorkerName()
	}
	if w.maxConcurrency <= 0 {
		w.maxConcurrency = 10
	}
	if len(w.capabilities) == 0 {
		return nil, errors.New("worker 必须声明至少一个能力标签（WithCapabilities）")
	}
	if w.advertiseURL == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		addr := w.listenAddr
		if strings.HasPrefix(addr, ":") {
			addr = host + addr
		}
		w.advertiseURL = "http://" + addr
	}

	w.sem = make(chan struct{}, w.maxConcurrency)
	w.reporter = Reporter{
		ControlPlaneURL: w.controlPlaneURL,
		WorkerName:      w.workerName,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", w.handleAssign)
	mux.HandleFunc("POST /tasks/{task_id}/cancel", w.handleCancel)
	w.server = &http.Server{
		Addr:    w.listenAddr,
		Handler: mux,
	}

	return w, nil
}

// Handle 注册任务处理函数
func (w *Worker) Handle(fn Handler) {
	w.handler = fn
}

// handleAssign 接收控制面推送的任务。
// 容量由控制面的 Capacity Tracker 保证，这里的信号量只是本地兜底：
// 超出并发时返回 429，控制面把它当作信号失败走重试。
func (w *Worker) handleAssign(rw http.ResponseWriter, req *http.Request) {
	if w.handler == nil {
		http.Error(rw, "no handler registered", http.StatusServiceUnavailable)
		return
	}

	var task Task
	if err := json.NewDecoder(req.Body).Decode(&task); err != nil || task.ID == "" {
		http.Error(rw, "invalid task", http.StatusBadRequest)
		return
	}

	select {
	case w.sem <- struct{}{}:
	default:
		http.Error(rw, "worker at capacity", http.StatusTooManyRequests)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.running[task.ID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.execute(ctx, cancel, &task)

	rw.WriteHeader(http.StatusAccepted)
}

// handleCancel 接收取消请求。404 表示任务已不在执行中。
func (w *Worker) handleCancel(rw http.ResponseWriter, req *http.Request) {
	taskID := req.PathValue("task_id")

	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()

	if !ok {
		http.Error(rw, "task not running", http.StatusNotFound)
		return
	}
	cancel()
	rw.WriteHeader(http.StatusOK)
}

// execute 执行任务并上报结局
func (w *Worker) execute(ctx context.Context, cancel context.CancelFunc, task *Task) {
	defer w.wg.Done()
	defer cancel()
	defer func() { <-w.sem }()

	defer func() {
		w.mu.Lock()
		delete(w.running, task.ID)
		w.mu.Unlock()
	}()

	_ = w.reporter.MarkProcessing(ctx, task.ID)

	start := time.Now()
	err := w.handler(ctx, task)
	latency := time.Since(start)

	outcome := ReportOutcomeRequest{
		Kind:      string(OutcomeSuccess),
		LatencyMs: latency.Milliseconds(),
	}
	switch {
	case errors.Is(err, context.Canceled) || (err != nil && ctx.Err() == context.Canceled):
		outcome.Kind = string(OutcomeCancelled)
		outcome.Error = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Kind = string(OutcomeTimeout)
		outcome.Error = err.Error()
	case err != nil:
		outcome.Kind = string(OutcomeFailure)
		outcome.Error = err.Error()
	}

	// 上报用独立 context：任务被取消不能妨碍结局上报
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()
	if err := ReportWithRetry(reportCtx, w.reporter, task.ID, outcome, DefaultReportRetryConfig()); err != nil {
		log.Printf("[dispatchhub-worker] 结局上报最终失败: task_id=%s err=%v", task.ID, err)
	}
}

// Run 启动 worker：注册到控制面、开始心跳、监听任务推送。
// 阻塞直到收到 SIGINT/SIGTERM，然后优雅关闭。
func (w *Worker) Run() error {
	if w.handler == nil {
		return errors.New("未注册 Handler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if w.autoRegister {
		if w.controlPlaneURL == "" {
			return errors.New("未配置控制面地址（WithControlPlaneURL 或 DISPATCH_HUB_URL）")
		}
		err := NewClient(w.controlPlaneURL).RegisterWorker(ctx, WorkerConfig{
			WorkerName:     w.workerName,
			BaseURL:        w.advertiseURL,
			Capabilities:   w.capabilities,
			MaxConcurrency: w.maxConcurrency,
			Cost:           w.cost,
		})
		if err != nil {
			return fmt.Errorf("注册 worker 失败: %w", err)
		}
	}

	hb := NewHeartbeatManager(w.workerName, w.controlPlaneURL)
	hb.SetInterval(w.heartbeatInterval)
	go hb.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("dispatchhub-worker start: workerName=%s listen=%s advertise=%s controlPlane=%s concurrency=%d",
			w.workerName, w.listenAddr, w.advertiseURL, w.controlPlaneURL, w.maxConcurrency)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return w.shutdown(hb)
}

func (w *Worker) shutdown(hb *HeartbeatManager) error {
	log.Printf("[dispatchhub-worker] 开始关闭")
	hb.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先从控制面摘除，避免关闭期间继续收到新任务
	if w.controlPlaneURL != "" {
		if err := NewClient(w.controlPlaneURL).DeregisterWorker(shutdownCtx, w.workerName, w.drainOnStop); err != nil {
			log.Printf("[dispatchhub-worker] 注销失败: %v", err)
		}
	}

	// 停止接收新推送，等在途任务跑完
	if err := w.server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("[dispatchhub-worker] 等待在途任务超时，强制退出")
	}

	log.Printf("[dispatchhub-worker] 关闭完成")
	return nil
}

// DefaultWorkerName 默认 worker 名（用于日志与上报）。
func DefaultWorkerName() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
