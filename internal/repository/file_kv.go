package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileKV keeps all entries in one JSON document. Every write rewrites the
// document through a temp file and rename, so a crash leaves either the
// old or the new document on disk.
type FileKV struct {
	path   string
	mu     sync.RWMutex
	values map[string]string
	logger *logrus.Logger
}

func NewFileKV(path string, logger *logrus.Logger) (*FileKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	kv := &FileKV{
		path:   path,
		values: make(map[string]string),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return kv, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &kv.values); err != nil {
			// Corrupt file: start empty.
			logger.WithError(err).WithField("path", path).Warn("Discarding unreadable session file")
			kv.values = make(map[string]string)
		}
	}

	return kv, nil
}

func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FileKV) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := f.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *FileKV) Set(ctx context.Context, key, value string) error {
	return f.SetMany(ctx, map[string]string{key: value})
}

func (f *FileKV) SetMany(_ context.Context, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.copyLocked()
	for k, v := range values {
		next[k] = v
	}
	if err := f.flushLocked(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *FileKV) Remove(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.copyLocked()
	for _, k := range keys {
		delete(next, k)
	}
	if err := f.flushLocked(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *FileKV) copyLocked() map[string]string {
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

func (f *FileKV) flushLocked(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal session file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set session file mode: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		f.logger.WithError(err).Error("Failed to replace session file")
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
