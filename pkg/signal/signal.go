// Package signal 处理进程信号：SIGINT/SIGTERM 触发优雅退出，SIGHUP 触发清单重载
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM 或 ctx 结束；期间每个 SIGHUP 调用一次 reload
func WaitForShutdown(ctx context.Context, logger *zap.Logger, reload func()) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	logger.Info("service running, waiting for SIGINT/SIGTERM (SIGHUP reloads inventory)...")
	return wait(ctx, sigChan, logger, reload)
}

func wait(ctx context.Context, sigChan <-chan os.Signal, logger *zap.Logger, reload func()) os.Signal {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading")
				if reload != nil {
					reload()
				}
				continue
			}
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return sig
		}
	}
}
