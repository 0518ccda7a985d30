// Package progress persists the completion marker that lets the origin resume
// without reprocessing files.
package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/yarkm13/remoteorigin/internal/remote"
)

// State is the last fully processed file.
type State struct {
	LastCompletedPath       string    `yaml:"last_completed_path,omitempty"`
	LastCompletedModifiedAt time.Time `yaml:"last_completed_modified_at,omitempty"`
	Endpoint                string    `yaml:"endpoint,omitempty"`
	UpdatedAt               time.Time `yaml:"updated_at,omitempty"`
}

func (s State) Empty() bool {
	return s.LastCompletedPath == ""
}

// Tracker records completions. Record must only be called once a file has
// been fully disposed of.
type Tracker interface {
	Current() State
	Record(entry remote.Entry) error
}

// FileTracker keeps State in a YAML file and replaces it atomically.
type FileTracker struct {
	path     string
	endpoint string
	mutex    sync.Mutex
	state    State
	now      func() time.Time
}

// FileName derives the state file name for an endpoint, so that two
// endpoints sharing a state directory never share a marker.
func FileName(endpoint string) string {
	return fmt.Sprintf("%016x.progress.yaml", xxhash.Sum64String(endpoint))
}

// Open loads the marker for endpoint from dir, creating dir if needed. A
// missing file means nothing has been processed yet.
func Open(dir, endpoint string) (*FileTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	t := &FileTracker{
		path:     filepath.Join(dir, FileName(endpoint)),
		endpoint: endpoint,
		now:      time.Now,
	}

	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t.state); err != nil {
		return nil, fmt.Errorf("failed to parse progress file %s: %w", t.path, err)
	}
	if t.state.Endpoint != "" && t.state.Endpoint != endpoint {
		return nil, fmt.Errorf("progress file %s belongs to %s, not %s", t.path, t.state.Endpoint, endpoint)
	}
	return t, nil
}

func (t *FileTracker) Path() string {
	return t.path
}

func (t *FileTracker) Current() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// Record commits entry as the new marker. The in-memory state only changes
// once the file on disk has been replaced.
func (t *FileTracker) Record(entry remote.Entry) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	next := State{
		LastCompletedPath:       entry.Path,
		LastCompletedModifiedAt: entry.ModTime.UTC(),
		Endpoint:                t.endpoint,
		UpdatedAt:               t.now().UTC(),
	}
	if err := t.save(next); err != nil {
		return err
	}
	t.state = next
	return nil
}

func (t *FileTracker) save(state State) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close progress file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("failed to commit progress: %w", err)
	}
	return syncDir(filepath.Dir(t.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync state directory: %w", err)
	}
	return nil
}
