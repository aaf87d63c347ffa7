// Package config owns the persisted JSON configuration document: the
// single source of truth SchedulerManager is handed slot.Config/
// slot.GlobalConfig values from (spec SPEC_FULL.md §6 "Persisted state").
// The core never touches the file directly; only this package does.
//
// Grounded on teranos-QNTX's am/watcher.go ConfigWatcher: an
// fsnotify.Watcher feeding a debounced reload callback, with an
// own-write guard so a save from this process never triggers its own
// reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/glmwarm/zwarmd/slot"
)

const debouncePeriod = 300 * time.Millisecond

// ReloadFunc is called with the freshly loaded, normalized document
// whenever the on-disk file changes from outside this process.
type ReloadFunc func(slot.Document)

// Store owns one JSON document on disk and, optionally, a watcher that
// debounces external edits and invokes a reload callback.
type Store struct {
	path string

	mu         sync.Mutex
	isOwnWrite bool

	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	onReload      ReloadFunc
	stopCh        chan struct{}
}

// New opens a Store at path. If no file exists yet, Load will return a
// fresh default document rather than an error, matching first-run
// behavior (spec §3 "Defaults").
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the document at path, normalizing it before returning
// (spec §8 "Config save -> load yields a value that normalizes to
// itself"). A missing file is not an error: it yields an empty,
// normalized document with slot.DefaultGlobalConfig() applied.
func (s *Store) Load() (slot.Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := slot.Document{Global: slot.DefaultGlobalConfig()}
		doc.Normalize()
		return doc, nil
	}
	if err != nil {
		return slot.Document{}, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var doc slot.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return slot.Document{}, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	doc.Normalize()
	return doc, nil
}

// Save normalizes doc and writes it to path atomically (write to a
// temp file in the same directory, then rename), returning the
// normalized value actually persisted (spec §6 "save_settings").
func (s *Store) Save(doc slot.Document) (slot.Document, error) {
	doc.Normalize()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return slot.Document{}, fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return slot.Document{}, fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".zwarmd-config-*.tmp")
	if err != nil {
		return slot.Document{}, fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return slot.Document{}, fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return slot.Document{}, fmt.Errorf("config: close temp file: %w", err)
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.isOwnWrite = true
	}
	s.mu.Unlock()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return slot.Document{}, fmt.Errorf("config: rename into place: %w", err)
	}
	return doc, nil
}

// Watch starts watching path for external changes, debouncing rapid
// edits and invoking onReload with the freshly normalized document.
// Writes made through this Store's own Save are ignored.
func (s *Store) Watch(onReload ReloadFunc) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	// Watch the directory, not the file: editors commonly replace a
	// file via rename rather than in-place write, which drops a direct
	// file watch.
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.onReload = onReload
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.watchLoop(w, s.stopCh)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(debouncePeriod, s.reload)
}

func (s *Store) reload() {
	s.mu.Lock()
	if s.isOwnWrite {
		s.isOwnWrite = false
		s.mu.Unlock()
		return
	}
	onReload := s.onReload
	s.mu.Unlock()

	doc, err := s.Load()
	if err != nil || onReload == nil {
		return
	}
	onReload(doc)
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
