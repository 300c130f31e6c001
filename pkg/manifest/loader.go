package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/weave-nn/weave/pkg/logging"
)

// EventType defines the type of manifest event
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event represents a change to an expert manifest
type Event struct {
	Type     EventType
	Name     string
	Manifest *ExpertManifest // nil for deleted
	Path     string
}

// Store manages expert manifests with hot-reload. Registered callbacks
// observe create/update/delete events as manifest files change.
type Store struct {
	mu        sync.RWMutex
	manifests map[string]*ExpertManifest
	filePaths map[string]string // expert name -> file path
	paths     []string
	watcher   *fsnotify.Watcher
	callbacks []func(event Event)
	logger    logging.Logger
	cancel    context.CancelFunc
}

// NewStore creates a store and loads all manifests found in the given
// directories. Missing directories are skipped.
func NewStore(paths []string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Store{
		manifests: make(map[string]*ExpertManifest),
		filePaths: make(map[string]string),
		paths:     paths,
		logger:    logger,
	}

	for _, path := range paths {
		if err := s.loadFromDirectory(path); err != nil {
			continue
		}
	}
	return s, nil
}

// List returns all loaded manifests
func (s *Store) List() []*ExpertManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExpertManifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	return out
}

// Get returns the manifest for one expert name
func (s *Store) Get(name string) (*ExpertManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	return m, ok
}

// OnChange registers a callback for manifest changes
func (s *Store) OnChange(callback func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// LoadManifest parses, validates, and stores one manifest file
func (s *Store) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m ExpertManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := ValidateManifest(&m); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}

	s.mu.Lock()
	_, existed := s.manifests[m.Metadata.Name]
	s.manifests[m.Metadata.Name] = &m
	s.filePaths[m.Metadata.Name] = path
	callbacks := append(([]func(Event))(nil), s.callbacks...)
	s.mu.Unlock()

	eventType := EventCreated
	if existed {
		eventType = EventUpdated
	}
	for _, cb := range callbacks {
		cb(Event{Type: eventType, Name: m.Metadata.Name, Manifest: &m, Path: path})
	}
	return nil
}

// StartWatching enables hot-reload via fsnotify until the context is
// cancelled or Close is called.
func (s *Store) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.watcher = watcher
	s.cancel = cancel
	s.mu.Unlock()

	for _, path := range s.paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Warn("failed to watch manifest directory",
				logging.String("path", path), logging.Err(err))
		}
	}

	go s.watchLoop(ctx)
	return nil
}

// Close stops the watcher
func (s *Store) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	cancel := s.cancel
	s.watcher = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *Store) loadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := s.LoadManifest(path); err != nil {
			s.logger.Warn("failed to load manifest",
				logging.String("path", path), logging.Err(err))
		}
	}
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	for {
		s.mu.RLock()
		watcher := s.watcher
		s.mu.RUnlock()
		if watcher == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("manifest watcher error", logging.Err(err))
		}
	}
}

func (s *Store) handleFSEvent(event fsnotify.Event) {
	ext := filepath.Ext(event.Name)
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Create == fsnotify.Create:
		if err := s.LoadManifest(event.Name); err != nil {
			s.logger.Warn("failed to reload manifest",
				logging.String("path", event.Name), logging.Err(err))
		}
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		s.removeByPath(event.Name)
	}
}

func (s *Store) removeByPath(path string) {
	s.mu.Lock()
	var removed *Event
	for name, p := range s.filePaths {
		if p == path {
			m := s.manifests[name]
			delete(s.manifests, name)
			delete(s.filePaths, name)
			removed = &Event{Type: EventDeleted, Name: name, Manifest: m, Path: path}
			break
		}
	}
	callbacks := append(([]func(Event))(nil), s.callbacks...)
	s.mu.Unlock()

	if removed != nil {
		for _, cb := range callbacks {
			cb(*removed)
		}
	}
}
