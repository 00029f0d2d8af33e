package snapshot

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotFound is returned by KV.Get for a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable signals the side-channel can not be used (quota exceeded, disk not writable, etc).
	ErrUnavailable = errors.New("storage unavailable")
)

type (
	// KV is the local persistence side-channel: a simple fallible key-value storage.
	KV interface {
		Get(key string) ([]byte, error)
		Set(key string, value []byte) error
		Remove(key string) error
	}

	// MemoryKV implements KV in memory (no persistence across restarts).
	MemoryKV struct {
		sync.RWMutex
		data map[string][]byte
	}

	// FileKV implements KV keeping one file per key in a directory.
	FileKV struct {
		dir string
	}
)

// Get implements KV interface.
func (kv *MemoryKV) Get(key string) ([]byte, error) {
	kv.RLock()
	defer kv.RUnlock()

	value, found := kv.data[key]
	if !found {
		return nil, ErrNotFound
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	return valueCopy, nil
}

// Set implements KV interface.
func (kv *MemoryKV) Set(key string, value []byte) error {
	kv.Lock()
	defer kv.Unlock()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	kv.data[key] = valueCopy

	return nil
}

// Remove implements KV interface.
func (kv *MemoryKV) Remove(key string) error {
	kv.Lock()
	defer kv.Unlock()

	delete(kv.data, key)

	return nil
}

// NewMemoryKV creates a new empty MemoryKV object.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		data: make(map[string][]byte),
	}
}

// Get implements KV interface.
func (kv *FileKV) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(kv.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read (%s): %v", ErrUnavailable, key, err)
	}

	return data, nil
}

// Set implements KV interface.
// The value is written to a temporary file first so a crash never leaves a partial value.
func (kv *FileKV) Set(key string, value []byte) error {
	path := kv.path(key)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return fmt.Errorf("%w: write (%s): %v", ErrUnavailable, key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename (%s): %v", ErrUnavailable, key, err)
	}

	return nil
}

// Remove implements KV interface.
func (kv *FileKV) Remove(key string) error {
	if err := os.Remove(kv.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove (%s): %v", ErrUnavailable, key, err)
	}

	return nil
}

// path returns a file path safe for any key.
func (kv *FileKV) path(key string) string {
	return filepath.Join(kv.dir, url.PathEscape(key)+".json")
}

// NewFileKV creates a new FileKV object creating the directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		return nil, fmt.Errorf("%s: empty", "dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir (%s): %w", dir, err)
	}

	return &FileKV{dir: dir}, nil
}
