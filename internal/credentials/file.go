package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/parley/pkg/forum"
)

// FileStore keeps credentials in a YAML file readable only by the owner.
// Loaded credentials are cached; Watch keeps the cache in step with logins
// and logouts done by other parley processes.
type FileStore struct {
	path string
	log  *zap.Logger

	// OnChange, if set, is called from the watch goroutine when the file
	// changes underneath this process.
	OnChange func(forum.Credentials)

	mu     sync.RWMutex
	cached *forum.Credentials

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewFileStore returns a store backed by path. The file is created on first Save.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: filepath.Clean(path), log: logger}
}

// Path returns the credentials file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored credentials, or zero Credentials if there is no file.
func (s *FileStore) Load(ctx context.Context) (forum.Credentials, error) {
	s.mu.RLock()
	if s.cached != nil {
		creds := *s.cached
		s.mu.RUnlock()
		return creds, nil
	}
	s.mu.RUnlock()

	creds, err := s.read()
	if err != nil {
		return forum.Credentials{}, err
	}

	s.mu.Lock()
	s.cached = &creds
	s.mu.Unlock()
	return creds, nil
}

func (s *FileStore) read() (forum.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return forum.Credentials{}, nil
	}
	if err != nil {
		return forum.Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds forum.Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return forum.Credentials{}, fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
	}
	return creds, nil
}

// Save writes creds atomically with mode 0600.
func (s *FileStore) Save(ctx context.Context, creds forum.Credentials) error {
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	s.mu.Lock()
	s.cached = &creds
	s.mu.Unlock()
	return nil
}

// Clear deletes the credentials file.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	s.mu.Lock()
	s.cached = &forum.Credentials{}
	s.mu.Unlock()
	return nil
}

// Watch starts reloading the cache whenever the file changes. It returns
// immediately; watching stops when ctx is done or Close is called.
func (s *FileStore) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory is watched, not the file: Save replaces the file by rename.
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = w
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watch(ctx, w, s.stop, s.done)

	s.log.Debug("watching credentials", zap.String("path", s.path))
	return nil
}

func (s *FileStore) watch(ctx context.Context, w *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("credentials watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) reload() {
	creds, err := s.read()
	if err != nil {
		s.log.Warn("failed to reload credentials", zap.Error(err))
		return
	}

	s.mu.Lock()
	unchanged := s.cached != nil && *s.cached == creds
	s.cached = &creds
	s.mu.Unlock()

	if unchanged {
		return
	}
	s.log.Info("credentials changed on disk", zap.Bool("logged_in", !creds.IsZero()))
	if s.OnChange != nil {
		s.OnChange(creds)
	}
}

// Close stops a running Watch and waits for it.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.watcher = nil
	return nil
}
