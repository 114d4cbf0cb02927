package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	done := make(chan error, 1)
	w := Watcher{Path: path, Cooldown: 20 * time.Millisecond}
	go func() { done <- w.Run(ctx, func(c AppConfig) { updates <- c }) }()

	// 等待 watcher 注册
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(minimalYAML, "minSpread: 0.5", "minSpread: 0.9", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-updates:
		if cfg.MinSpread != 0.9 {
			t.Fatalf("minSpread = %v, want 0.9", cfg.MinSpread)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected update callback")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestWatcherKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	w := Watcher{Path: path, Cooldown: 20 * time.Millisecond}
	go w.Run(ctx, func(c AppConfig) { updates <- c })

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("defaultQuantity: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-updates:
		t.Fatalf("invalid config must not be applied: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherMissingDir(t *testing.T) {
	w := Watcher{Path: "/nonexistent/dir/cfg.yaml"}
	if err := w.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error watching missing directory")
	}
}
