// Package app 组装服务并管理生命周期
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/web/api"
)

// Service wire 注入结果
type Service struct {
	Usecase *api.Usecase
	Handler http.Handler
}

const shutdownTimeout = 30 * time.Second

// Run 启动采集、清理和 http 服务，收到 SIGINT/SIGTERM 或存储耗尽时退出
// 退出顺序：停止 http，等待截取完成，停止采集，封口分块，关闭数据库
func Run(bc *conf.Bootstrap) error {
	_, closeLog, err := SetupLog(bc)
	if err != nil {
		return fmt.Errorf("setup log: %w", err)
	}
	defer closeLog()

	svc, cleanup, err := wireApp(bc)
	if err != nil {
		slog.Error("wire app", "err", err)
		return err
	}
	defer cleanup()
	uc := svc.Usecase

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var wg sync.WaitGroup

	captureErr := make(chan error, 1)
	if bc.Capture.RTSPURL == "" {
		slog.Warn("capture.rtsp_url is empty, capture disabled")
	} else {
		wg.Go(func() {
			captureErr <- uc.Capture.Run(workers)
		})
	}
	wg.Go(func() { uc.Retention.Run(workers) })
	wg.Go(func() { uc.Recording.StartCleanupWorker(workers) })

	server := http.Server{
		Addr:              fmt.Sprintf(":%d", bc.Server.HTTP.Port),
		Handler:           svc.Handler,
		ReadTimeout:       bc.Server.HTTP.Timeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server started", "addr", server.Addr, "buffer_mode", bc.Buffer.Mode, "window", bc.Buffer.Window())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received stop signal")
	case err := <-captureErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("capture stopped", "err", err)
			runErr = err
		}
	case err := <-serverErr:
		slog.Error("http server", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	if err := uc.Engine.Wait(shutdownCtx); err != nil {
		slog.Warn("wait extractions", "err", err)
	}
	cancelWorkers()
	wg.Wait()
	slog.Info("service stopped", "capture", uc.Capture.Stats())
	return runErr
}
