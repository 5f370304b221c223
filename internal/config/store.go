package config

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

// Store owns the committed configuration and persists changes to the
// desired backend set back to the config file, so the file stays the single
// source of truth. Registrations made through the API survive a restart.
type Store struct {
	fs      afero.Fs
	path    string
	watcher *Watcher // may be nil when watching is disabled

	mu      sync.Mutex
	current *Config
}

// NewStore creates a store over the already-loaded config. The watcher,
// when given, is told about every write-back so it does not re-apply the
// gateway's own saves.
func NewStore(fs afero.Fs, path string, cfg *Config, watcher *Watcher) *Store {
	return &Store{fs: fs, path: path, current: cfg, watcher: watcher}
}

// Current returns the committed config snapshot.
func (s *Store) Current() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replace swaps the committed snapshot after a watcher-driven reload.
func (s *Store) Replace(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
}

// AddBackend persists a new backend. It fails if the name is taken.
func (s *Store) AddBackend(backend types.BackendConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.current.Backends[backend.Name]; exists {
		return errs.New(errs.KindConfig, "backend %s already exists", backend.Name)
	}

	next := s.cloneLocked()
	next.Backends[backend.Name] = backend
	return s.commitLocked(next)
}

// RemoveBackend persists the removal of a backend. It fails if unknown.
func (s *Store) RemoveBackend(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.current.Backends[name]; !exists {
		return errs.New(errs.KindConfig, "backend %s does not exist", name)
	}

	next := s.cloneLocked()
	delete(next.Backends, name)
	return s.commitLocked(next)
}

func (s *Store) cloneLocked() *Config {
	clone := *s.current
	clone.Backends = make(map[string]types.BackendConfig, len(s.current.Backends)+1)
	for name, backend := range s.current.Backends {
		clone.Backends[name] = backend
	}
	return &clone
}

func (s *Store) commitLocked(next *Config) error {
	if err := Save(s.fs, s.path, next); err != nil {
		return err
	}
	s.current = next
	if s.watcher != nil {
		s.watcher.MarkApplied(next)
	}
	return nil
}
