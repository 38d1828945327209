package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Blob is a flat key/value store of JSON documents.
type Blob interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// FileBlob keeps every key in a single JSON object on disk and rewrites the whole file on Set.
type FileBlob struct {
	mu       sync.RWMutex
	filePath string
	data     map[string]json.RawMessage
}

func NewFileBlob(filePath string) *FileBlob {
	return &FileBlob{
		filePath: filePath,
		data:     map[string]json.RawMessage{},
	}
}

func (b *FileBlob) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			b.data = map[string]json.RawMessage{}
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(raw) == 0 {
		b.data = map[string]json.RawMessage{}
		return nil
	}

	data := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &data); err != nil {
		// A bare array is the old layout: just the medication list
		var list []json.RawMessage
		if err2 := json.Unmarshal(raw, &list); err2 == nil {
			b.data = map[string]json.RawMessage{KeyMedications: raw}
			return nil
		}

		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	b.data = data
	return nil
}

func (b *FileBlob) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (b *FileBlob) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.data[key]
	b.data[key] = json.RawMessage(value)
	if err := b.saveLocked(); err != nil {
		if had {
			b.data[key] = prev
		} else {
			delete(b.data, key)
		}
		return err
	}
	return nil
}

func (b *FileBlob) saveLocked() error {
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(b.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp := b.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, b.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
