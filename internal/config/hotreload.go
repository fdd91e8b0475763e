// Package config carries the process-level configuration surfaces that sit
// outside any one subsystem: a typed environment-variable overlay (env.go)
// and a hot-reload watcher for the YAML file of tunables an operator most
// plausibly wants to change without a restart, Gate thresholds and Resource
// Manager limits. Reloads are checksum-gated so rewrites with identical
// content do not fan out as updates.
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/riptide-run/riptide/internal/gate"
	"github.com/riptide-run/riptide/internal/resources"
)

// Tunables is the subset of riptide.Config an operator can hot-reload
// without restarting the process.
type Tunables struct {
	Gate      gate.Thresholds                 `yaml:"gate"`
	Resources resources.ResourceManagerConfig `yaml:"resources"`

	checksum string
}

// Load reads and parses path, returning zero-value Tunables if the file
// does not exist yet.
func Load(path string) (Tunables, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Tunables{}, nil
	}
	if err != nil {
		return Tunables{}, fmt.Errorf("read config file: %w", err)
	}
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tunables{}, fmt.Errorf("parse config file: %w", err)
	}
	t.checksum = checksum(data)
	return t, nil
}

// Save marshals t to path as YAML, creating parent directories as needed.
func Save(path string, t Tunables) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// ReloadWatcher watches a single config file for writes and emits the
// newly parsed Tunables whenever its content actually changes.
type ReloadWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	isWatching bool
}

// NewReloadWatcher creates a watcher for path; callers must call Watch to
// start receiving updates, and Stop to release the underlying fsnotify
// watcher.
func NewReloadWatcher(path string) (*ReloadWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &ReloadWatcher{path: path, watcher: w}, nil
}

// Watch starts watching the config file's directory (fsnotify watches
// directories, not bare files, so renames/atomic saves are still caught)
// and returns channels of parsed updates and errors. Both channels close
// when ctx is done or Stop is called.
func (w *ReloadWatcher) Watch(ctx context.Context) (<-chan Tunables, <-chan error) {
	updates := make(chan Tunables, 4)
	errs := make(chan error, 4)

	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		close(updates)
		close(errs)
		return updates, errs
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", dir, err)
		close(updates)
		close(errs)
		return updates, errs
	}
	w.isWatching = true
	w.mu.Unlock()

	go func() {
		defer close(updates)
		defer close(errs)
		var lastChecksum string
		for {
			select {
			case e, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if e.Name != w.path {
					continue
				}
				if e.Op&fsnotify.Write != fsnotify.Write && e.Op&fsnotify.Create != fsnotify.Create {
					continue
				}
				t, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				if t.checksum == lastChecksum {
					continue
				}
				lastChecksum = t.checksum
				updates <- t
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, errs
}

// Stop releases the underlying fsnotify watcher; subsequent events stop
// flowing and the channels returned by Watch close shortly after.
func (w *ReloadWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}
