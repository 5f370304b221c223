package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const watcherInitialConfig = `
gateway:
  port: 8001
backends:
  puppeteer:
    transport: stdio
    command: puppeteer-mcp
`

const watcherUpdatedConfig = `
gateway:
  port: 8001
backends:
  puppeteer:
    transport: stdio
    command: puppeteer-mcp
  context7:
    transport: stdio
    command: context7-mcp
`

func startWatcher(t *testing.T) (string, chan *Config) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherInitialConfig), 0o644))

	fs := afero.NewOsFs()
	initial, err := Load(fs, path)
	require.NoError(t, err)

	w := NewWatcher(fs, path, zap.NewNop())
	w.MarkApplied(initial)

	applied := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = w.Run(ctx, func(cfg *Config) { applied <- cfg })
	}()

	// give fsnotify a moment to establish the directory watch
	time.Sleep(100 * time.Millisecond)
	return path, applied
}

func waitForConfig(t *testing.T, applied chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-applied:
		return cfg
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not deliver a config snapshot")
		return nil
	}
}

func TestWatcherDeliversUpdatedConfig(t *testing.T) {
	path, applied := startWatcher(t)

	require.NoError(t, os.WriteFile(path, []byte(watcherUpdatedConfig), 0o644))

	cfg := waitForConfig(t, applied)
	assert.Len(t, cfg.Backends, 2)
	assert.Contains(t, cfg.Backends, "context7")
}

func TestWatcherIgnoresMalformedUpdate(t *testing.T) {
	path, applied := startWatcher(t)

	// malformed YAML must be dropped without a snapshot
	require.NoError(t, os.WriteFile(path, []byte(":\n  not yaml ["), 0o644))
	select {
	case <-applied:
		t.Fatal("watcher applied a malformed config")
	case <-time.After(700 * time.Millisecond):
	}

	// a following valid write still goes through
	require.NoError(t, os.WriteFile(path, []byte(watcherUpdatedConfig), 0o644))
	cfg := waitForConfig(t, applied)
	assert.Len(t, cfg.Backends, 2)
}

func TestWatcherSuppressesNoopRewrite(t *testing.T) {
	path, applied := startWatcher(t)

	// rewriting identical content must not trigger a reconcile
	require.NoError(t, os.WriteFile(path, []byte(watcherInitialConfig), 0o644))
	select {
	case <-applied:
		t.Fatal("watcher applied an unchanged config")
	case <-time.After(700 * time.Millisecond):
	}
}
