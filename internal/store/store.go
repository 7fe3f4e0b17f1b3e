// Package store persists the motor position counters across power cycles.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/leveler/internal/debug"
)

// Positions is the on-disk document.
type Positions struct {
	Motor1 int64 `yaml:"motor1_position"`
	Motor2 int64 `yaml:"motor2_position"`
}

// File is a YAML position store.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a store backed by path. The file is created on first Save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// Load returns the saved positions. A missing file yields 0, 0.
func (f *File) Load() (m1, m2 int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		debug.Verbose("Store: %s not found, starting at 0/0", f.path)
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read positions: %w", err)
	}
	var p Positions
	if err := yaml.Unmarshal(data, &p); err != nil {
		return 0, 0, fmt.Errorf("unmarshal positions: %w", err)
	}
	return p.Motor1, p.Motor2, nil
}

// Save writes both positions atomically (temp file + rename).
func (f *File) Save(m1, m2 int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(Positions{Motor1: m1, Motor2: m2})
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".positions-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write positions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync positions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close positions: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename positions: %w", err)
	}
	debug.Verbose("Store: saved M1=%d M2=%d", m1, m2)
	return nil
}
