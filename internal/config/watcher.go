package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the latest valid version of a config file. It polls the
// file and, whenever the content changes and the new version validates,
// swaps it in and calls the change callback. An invalid edit is logged and
// the previous version stays current.
type Watcher struct {
	path     string
	every    time.Duration
	environ  map[string]string
	onChange func(old, new *Config)

	// reload serialises Reload so the callback sees versions in order.
	reload sync.Mutex

	mu      sync.Mutex
	cur     *Config
	stamp   fileStamp
	version int

	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

func (s fileStamp) sameFile(info os.FileInfo) bool {
	return s.mod.Equal(info.ModTime()) && s.size == info.Size()
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Values <= 0 keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// WithEnvironment reads environment overrides from environ instead of the
// process environment.
func WithEnvironment(environ map[string]string) WatcherOption {
	return func(w *Watcher) {
		if environ == nil {
			environ = map[string]string{}
		}
		w.environ = environ
	}
}

// NewWatcher loads path, which must be valid, and starts polling it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		every:    DefaultWatchInterval,
		onChange: onChange,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cur, w.stamp, w.version = cfg, stamp, 1

	go w.loop()
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Version counts the configs the watcher has accepted, starting at 1 for
// the initial load.
func (w *Watcher) Version() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Reload checks the file now instead of waiting for the next tick. It
// reports whether a new config was accepted. A file whose stat matches the
// current version is not re-read; one that is re-read with identical content
// is not a change. On error the current config is kept.
func (w *Watcher) Reload() (changed bool, err error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: reload: %w", err)
	}
	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()
	if prev.sameFile(info) {
		return false, nil
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return false, fmt.Errorf("config: reload: %w", err)
	}

	w.mu.Lock()
	w.stamp = stamp
	if stamp.sum == prev.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.cur
	w.cur = cfg
	w.version++
	version := w.version
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path, "version", version)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	t := time.NewTicker(w.every)
	defer t.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := parse(bytes.NewReader(data), w.environ)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mod: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
