package settings

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store owns the live settings record and its backing YAML file. Every read
// returns a copy, so no caller can hold a stale or shared view across ticks.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current Settings
}

// Load reads path, merging it over Defaults. A missing file yields the
// defaults. A malformed file is logged and also yields the defaults.
func Load(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{path: path, logger: logger, current: Defaults()}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("settings: read failed, using defaults", "path", path, "error", err)
		}
		return s
	}

	//decoding over the defaults keeps any field the file doesn't mention
	merged := Defaults()
	if err := yaml.Unmarshal(raw, &merged); err != nil {
		logger.Warn("settings: malformed file, using defaults", "path", path, "error", err)
		return s
	}
	merged.Normalize()
	s.current = merged
	return s
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Update applies patch, persists the result and only then makes it current.
// When the write fails the previous settings stay in effect.
func (s *Store) Update(patch map[string]any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.current.Apply(patch)
	if err != nil {
		return s.current.Clone(), err
	}
	if err := s.write(next); err != nil {
		s.logger.Error("settings: save failed", "path", s.path, "error", err)
		return s.current.Clone(), err
	}
	s.current = next
	s.logger.Info("settings updated", "keys", len(patch))
	return next.Clone(), nil
}

//write goes through a temp file and rename so a crash never leaves a half-written file
func (s *Store) write(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml.Marshal(): %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("os.MkdirAll(): %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("os.CreateTemp(): %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tmp.Write(): %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tmp.Close(): %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("os.Rename(): %w", err)
	}
	return nil
}
