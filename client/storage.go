package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Keys under which the client session is persisted.
const (
	KeyToken = "authToken"
	KeyUser  = "authUser"
)

const (
	lockTimeout       = time.Second
	lockRetryInterval = 50 * time.Millisecond
)

// ErrCorrupt is returned by Load when persisted data cannot be parsed.
var ErrCorrupt = errors.New("client: persisted data is corrupt")

// Storage is a string key-value store in the manner of browser localStorage.
type Storage interface {
	// Load returns a copy of all stored values.
	Load(ctx context.Context) (map[string]string, error)
	// Update applies fn to the stored values and persists the result
	// atomically. Corrupt data is replaced by an empty map before fn runs.
	Update(ctx context.Context, fn func(values map[string]string)) error
}

// MemoryStorage keeps values in process memory.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Load implements Storage.
func (s *MemoryStorage) Load(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values), nil
}

// Update implements Storage.
func (s *MemoryStorage) Update(_ context.Context, fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.values)
	if next == nil {
		next = make(map[string]string)
	}
	fn(next)
	s.values = next
	return nil
}

// FileStorage persists values as a JSON object in a file. Access is
// serialized across processes with a lock file next to it, and writes go
// through a temporary file and rename.
type FileStorage struct {
	path string
}

// NewFileStorage returns a FileStorage for path. The file is created on the
// first Update.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("client: storage path is required")
	}
	return &FileStorage{path: filepath.Clean(path)}, nil
}

// Path returns the backing file path.
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) lockPath() string {
	return s.path + ".lock"
}

// Load implements Storage. A missing file is an empty store.
func (s *FileStorage) Load(ctx context.Context) (map[string]string, error) {
	var values map[string]string
	err := s.withLock(ctx, false, func() error {
		var err error
		values, err = s.read()
		return err
	})
	return values, err
}

// Update implements Storage.
func (s *FileStorage) Update(ctx context.Context, fn func(map[string]string)) error {
	return s.withLock(ctx, true, func() error {
		values, err := s.read()
		if err != nil && !errors.Is(err, ErrCorrupt) {
			return err
		}
		if values == nil {
			values = make(map[string]string)
		}
		fn(values)
		return s.write(values)
	})
}

func (s *FileStorage) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	fileLock := flock.New(s.lockPath())
	defer fileLock.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = fileLock.TryLockContext(lockCtx, lockRetryInterval)
	} else {
		locked, err = fileLock.TryRLockContext(lockCtx, lockRetryInterval)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", s.lockPath(), err)
	}
	if !locked {
		return fmt.Errorf("could not acquire lock on %s: timeout after %v", s.lockPath(), lockTimeout)
	}
	return fn()
}

func (s *FileStorage) read() (map[string]string, error) {
	// #nosec G304: path is operator configuration.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return values, nil
}

func (s *FileStorage) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
)
