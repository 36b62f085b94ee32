package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used when none is configured.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives a reloaded configuration together with the one it
// replaces.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fileVersion identifies one revision of the config file on disk.
type fileVersion struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid change to a [ChangeFunc].
// A file that fails to parse or validate is logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu   sync.Mutex
	cfg  *Config
	seen fileVersion
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher ready to [Watcher.Run]. onChange
// is invoked from the Run goroutine.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	cfg, v, err := readVersion(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		cfg:      cfg,
		seen:     v,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Run polls until ctx is done. It always returns nil so it can share an
// errgroup with servers whose failure should end the process.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if old, cfg, ok := w.reload(); ok {
				w.announce(old, cfg)
			}
		}
	}
}

// reload swaps in the file's config when its content changed since the last
// accepted revision. A touched but unchanged file only refreshes the mtime.
func (w *Watcher) reload() (old, cfg *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, nil, false
	}
	w.mu.Lock()
	unmodified := info.ModTime().Equal(w.seen.modTime)
	w.mu.Unlock()
	if unmodified {
		return nil, nil, false
	}

	cfg, v, err := readVersion(w.path)
	if err != nil {
		slog.Warn("config watcher: rejected config", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	same := v.sum == w.seen.sum
	w.seen = v
	if same {
		return nil, nil, false
	}
	old, w.cfg = w.cfg, cfg
	return old, cfg, true
}

func (w *Watcher) announce(old, cfg *Config) {
	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"generation_changed", d.GenerationChanged,
		"preferred_voice_changed", d.PreferredVoiceChanged,
	)
	if d.RestartRequired {
		slog.Warn("config watcher: some changes only take effect after a restart", "path", w.path)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// readVersion parses and validates path, returning the config with the
// revision it was read from.
func readVersion(path string) (*Config, fileVersion, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileVersion{}, err
	}
	return cfg, fileVersion{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
