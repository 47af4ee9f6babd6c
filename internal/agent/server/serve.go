package server

import (
	"context"
	"errors"
	"time"

	"prhealth/internal/agent"
	"prhealth/internal/common"

	"go.uber.org/zap"
)

// Serve 绑定配置端口，立即运行一次，之后按间隔运行直到 ctx 取消
// 端口绑定失败或服务异常退出时返回错误，ctx 取消时返回 nil
func Serve(ctx context.Context, cfg common.ServerConfig, runner Runner, results ResultStore, metrics *common.Metrics) error {
	logger := common.ComponentLogger("serve")

	srv := NewHTTPServer(runner, results, metrics)
	if err := srv.Start(cfg.Port); err != nil {
		return err
	}
	srv.triggerScheduled(logger)

	var tick <-chan time.Time
	if cfg.Interval > 0 {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			break loop
		case err := <-srv.Errors():
			serveErr = err
			break loop
		case <-tick:
			srv.triggerScheduled(logger)
		}
	}

	if err := srv.Stop(); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	logger.Info("Agent exited")
	return serveErr
}

// triggerScheduled 定时触发，上一次运行未结束时跳过
func (s *HTTPServer) triggerScheduled(logger *zap.Logger) {
	err := s.TriggerRun()
	if errors.Is(err, agent.ErrRunInProgress) {
		logger.Debug("Previous run still in progress, skipping scheduled run")
		return
	}
	if err != nil {
		logger.Error("Failed to trigger scheduled run", zap.Error(err))
	}
}
