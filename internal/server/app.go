package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wallet-txengine/pkg/logger"
)

type Config struct {
	HttpPort        string
	ShutdownTimeout time.Duration
}

// Worker 随 App 一起启停的后台任务, Run 阻塞到 ctx 取消
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// WorkerFunc 适配普通函数
type WorkerFunc struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

func (w WorkerFunc) Name() string                  { return w.WorkerName }
func (w WorkerFunc) Run(ctx context.Context) error { return w.Fn(ctx) }

type App struct {
	httpServer *http.Server
	workers    []Worker
	timeout    time.Duration
}

func New(cfg Config, httpHandler *gin.Engine, workers ...Worker) *App {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &App{
		httpServer: &http.Server{
			Addr:              ":" + cfg.HttpPort,
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		workers: workers,
		timeout: cfg.ShutdownTimeout,
	}
}

// Run 启动服务并阻塞，直到收到关闭信号
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Start workers
	done := make(chan struct{}, len(a.workers))
	for _, w := range a.workers {
		go func(w Worker) {
			defer func() { done <- struct{}{} }()
			logger.Info("Starting worker", zap.String("worker", w.Name()))
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Worker exited", zap.String("worker", w.Name()), zap.Error(err))
			}
		}(w)
	}

	// 2. Start HTTP
	go func() {
		logger.Info("Starting HTTP Server", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP Server failure", zap.Error(err))
		}
	}()

	// 3. Signal Handling (Blocking)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// 4. Graceful Shutdown: 先停止接收请求, 再停止后台任务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.timeout)
	defer shutdownCancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	cancel()
	for range a.workers {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("Workers did not stop in time")
			return
		}
	}
	logger.Info("Server exited properly")
}
