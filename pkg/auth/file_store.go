package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// FileStore keeps the credential in a JSON file readable only by its owner.
// While a Watch is running, loads are served from memory and the watch
// invalidates the cached copy when another process rewrites or removes the
// file. Without one, every Load reads the file.
type FileStore struct {
	path   string
	logger logging.Logger

	mu       sync.Mutex
	cached   *Credential
	loaded   bool
	watching int
}

// NewFileStore creates a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string, logger logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileStore{
		path:   path,
		logger: logger.WithFields(logging.String("component", "file_store")),
	}
}

// Path returns the backing file path
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.watching == 0 {
		cred, err := s.read()
		if err != nil {
			return nil, err
		}
		s.cached, s.loaded = cred, true
	}
	if s.cached == nil {
		return nil, nil
	}
	c := *s.cached
	return &c, nil
}

func (s *FileStore) read() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential file %s: %w", s.path, err)
	}
	return &cred, nil
}

// Save writes the credential atomically with mode 0600
func (s *FileStore) Save(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return s.Clear(ctx)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credential file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}

	c := *cred
	s.cached, s.loaded = &c, true
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached, s.loaded = nil, true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (s *FileStore) invalidate() {
	s.mu.Lock()
	s.cached, s.loaded = nil, false
	s.mu.Unlock()
}

// Watch follows external changes to the credential file until ctx is done.
// Each change invalidates the cache and sends the reloaded credential (nil
// when the file was removed). The channel is closed when watching stops.
func (s *FileStore) Watch(ctx context.Context) (<-chan *Credential, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory so atomic replacements are seen
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watching++
	s.loaded = false
	s.mu.Unlock()

	out := make(chan *Credential, 1)
	name := filepath.Clean(s.path)
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		defer func() {
			s.mu.Lock()
			s.watching--
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Debug("credential watch error")
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				s.invalidate()
				cred, err := s.Load(ctx)
				if err != nil {
					s.logger.WithError(err).Warn("reload credential file failed")
					continue
				}
				s.logger.Debug("credential file changed", logging.String("op", ev.Op.String()))
				select {
				case out <- cred:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
