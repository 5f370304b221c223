package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// debounceWindow coalesces the bursts of events editors and atomic renames produce.
const debounceWindow = 250 * time.Millisecond

// Watcher monitors the config file and delivers parsed snapshots to a
// single apply callback. A malformed file is logged and dropped; the
// previously applied state stays active. Snapshots identical to the last
// applied one (notably the gateway's own write-backs) are suppressed.
type Watcher struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger

	mu              sync.Mutex
	lastFingerprint string
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(fs afero.Fs, path string, logger *zap.Logger) *Watcher {
	return &Watcher{fs: fs, path: path, logger: logger}
}

// MarkApplied records a snapshot as the current state so the next identical
// load is suppressed. Call it with the config applied at startup and after
// every write-back.
func (w *Watcher) MarkApplied(cfg *Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFingerprint = Fingerprint(cfg)
}

// Run watches until the context ends, invoking apply for every new valid
// snapshot. apply runs on the watcher goroutine, so reconciliations are
// serialized in arrival order.
func (w *Watcher) Run(ctx context.Context, apply func(*Config)) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()

	// watch the directory, not the file: atomic saves replace the inode
	dir := filepath.Dir(w.path)
	if err := notifier.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(w.path)
	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceCh = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}
		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			w.reload(apply)
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(apply func(*Config)) {
	cfg, err := Load(w.fs, w.path)
	if err != nil {
		w.logger.Error("ignoring invalid config update", zap.Error(err))
		return
	}

	fingerprint := Fingerprint(cfg)
	w.mu.Lock()
	unchanged := fingerprint == w.lastFingerprint
	if !unchanged {
		w.lastFingerprint = fingerprint
	}
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("config unchanged, skipping reload")
		return
	}

	w.logger.Info("config changed, applying",
		zap.String("path", w.path),
		zap.Int("backends", len(cfg.Backends)),
	)
	apply(cfg)
}
