package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
)

// ErrPrerequisiteMissing means the configs directory is absent and the process must not start.
var ErrPrerequisiteMissing = errors.New("prerequisite directory missing")

// Listener observes a state change picked up from disk.
type Listener func(prev, next Settings)

// Store owns the process-wide Settings. Readers get consistent snapshots; every mutation is persisted
// with write-then-rename before it becomes visible.
type Store struct {
	mu        sync.RWMutex
	path      string
	current   Settings
	version   uint64
	listeners []Listener
	logger    *slog.Logger

	read func(path string) (Settings, error)
}

// Open verifies the configs directory, then loads path, creating it with defaults when absent.
func Open(configsDir, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(configsDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrPrerequisiteMissing, configsDir)
	}

	s := &Store{path: path, logger: logger, read: readFile}

	loaded, err := readFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warn("settings file missing, writing defaults", "path", path)
		loaded = Defaults()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create settings dir: %w", err)
		}
		if err := writeFile(path, loaded); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	s.current = loaded
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Subscribe registers fn for changes made outside Apply (hand edits picked up by Reload).
// Apply callers act on the returned Result instead.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Apply merges a control payload into the state, persists it, and then publishes it.
// If persisting fails the previous state stays in effect.
func (s *Store) Apply(ctl Control) (Result, error) {
	s.mu.Lock()
	next, res := apply(s.current, ctl)
	if err := writeFile(s.path, next); err != nil {
		s.mu.Unlock()
		return res, err
	}
	s.current = next
	s.version++
	s.mu.Unlock()

	s.logger.Info("settings applied",
		"applied", res.Applied,
		"ignored", res.Ignored,
		"rejected", res.Rejected,
		"send_now", res.SendNow,
	)
	return res, nil
}

// Reload re-reads the backing file after an external edit. It reports whether the state changed.
// A read that raced with Apply is discarded, since Apply already persisted a newer state.
func (s *Store) Reload() (bool, error) {
	s.mu.RLock()
	version := s.version
	s.mu.RUnlock()

	loaded, err := s.read(s.path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.version != version {
		s.mu.Unlock()
		s.logger.Debug("stale settings reload discarded", "path", s.path)
		return false, nil
	}
	prev := s.current
	if reflect.DeepEqual(prev, loaded) {
		s.mu.Unlock()
		return false, nil
	}
	s.current = loaded
	s.version++
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("settings reloaded from disk", "path", s.path)
	s.notify(listeners, prev, loaded)
	return true, nil
}

func (s *Store) notify(listeners []Listener, prev, next Settings) {
	for _, fn := range listeners {
		fn(prev.Clone(), next.Clone())
	}
}

func readFile(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	out := Defaults()
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
		}
	}
	return normalize(out), nil
}

func writeFile(path string, s Settings) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
