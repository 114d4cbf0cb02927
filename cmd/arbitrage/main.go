package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"market-arb-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/arbitrage.yaml", "配置文件路径")
	envFiles := flag.String("env", ".env", "逗号分隔的 .env 文件，不存在时忽略")
	flag.Parse()

	var files []string
	for _, f := range strings.Split(*envFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}

	c, err := container.New(*cfgPath, files...)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildCtx, cancelBuild := context.WithTimeout(ctx, 30*time.Second)
	err = c.Build(buildCtx)
	cancelBuild()
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer c.Close()

	cfg := c.Config()
	lg := c.Logger().Named("main").Logger
	lg.Info("arbitrage engine starting",
		zap.String("config", *cfgPath),
		zap.String("env", cfg.Env),
		zap.String("broker", cfg.Broker.Mode),
		zap.Float64("min_spread", cfg.MinSpread))

	go notifySystemd(ctx, c, lg)

	if err := c.Run(ctx); err != nil {
		lg.Error("engine exited with error", zap.Error(err))
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		_ = c.Close()
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	lg.Info("arbitrage engine stopped")
}

// notifySystemd 引擎进入运行态后通知 READY；启用 WatchdogSec 时按一半间隔在健康时喂狗。
// 不在 systemd 下运行时 SdNotify 为空操作。
func notifySystemd(ctx context.Context, c *container.Container, lg *zap.Logger) {
	ready := time.NewTicker(100 * time.Millisecond)
	defer ready.Stop()
	for c.HealthCheck() != nil {
		select {
		case <-ctx.Done():
			return
		case <-ready.C:
		}
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify READY failed", zap.Error(err))
	} else if ok {
		lg.Info("notified systemd READY")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("skipping watchdog ping, unhealthy", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
