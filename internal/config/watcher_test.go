package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aletheia/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
generation:
  temperature: 0.7
`

const watcherUpdatedYAML = `
server:
  log_level: debug
generation:
  temperature: 0.3
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so coarse filesystem clocks still
// register a change.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	type change struct {
		old, new *config.Config
		diff     config.ConfigDiff
	}
	changes := make(chan change, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config, d config.ConfigDiff) {
		changes <- change{old, new, d}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case c := <-changes:
		if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
			t.Errorf("old/new log level = %q/%q", c.old.Server.LogLevel, c.new.Server.LogLevel)
		}
		if !c.diff.LogLevelChanged || !c.diff.GenerationChanged || c.diff.NewGeneration.Temperature != 0.3 {
			t.Errorf("diff = %+v", c.diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange not called")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current log level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("onChange called %d times for an invalid file", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current log level = %q, want the old config", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(*config.Config, *config.Config, config.ConfigDiff) {
		called <- struct{}{}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	startWatcher(t, w)

	bumpMtime(t, path)

	select {
	case <-called:
		t.Error("onChange called for identical content")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}
