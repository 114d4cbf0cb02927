package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，防抖后重新加载并回调。
// 监听所在目录而不是文件本身，编辑器以 rename 方式保存时也能收到事件。
// 新配置校验失败时保留旧配置，只记录错误。
type Watcher struct {
	Path     string
	EnvFiles []string
	Cooldown time.Duration
	Logger   *zap.Logger
}

// Run 阻塞直到 ctx 取消。
func (w Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Cooldown <= 0 {
		w.Cooldown = 500 * time.Millisecond
	}
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(w.Cooldown)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		case <-debounce.C:
			cfg, err := LoadWithEnvOverrides(w.Path, w.EnvFiles...)
			if err != nil {
				log.Error("config reload rejected, keeping previous config", zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		}
	}
}
