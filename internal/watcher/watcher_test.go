package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/LMArenaBridge/internal/config"
)

func TestConfigReloadOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err = os.WriteFile(path, []byte("port: 7123\ndebug: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Port != 7123 {
			t.Errorf("reloaded port = %d, want 7123", cfg.Port)
		}
		if !cfg.Debug {
			t.Error("reloaded debug = false")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
