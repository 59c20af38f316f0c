package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore writes one small JSON file per context under
// {home}/contexts/{key}/session.json.
type FileStore struct {
	home string
}

type fileRecord struct {
	SessionID   string `json:"sessionId"`
	UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
}

// NewFileStore returns a FileStore rooted at home.
func NewFileStore(home string) (*FileStore, error) {
	if strings.TrimSpace(home) == "" {
		return nil, fmt.Errorf("missing home directory")
	}
	return &FileStore{home: home}, nil
}

func (f *FileStore) path(key string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.home, "contexts", key, "session.json"), nil
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, key string) (string, bool, error) {
	path, err := f.path(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", false, fmt.Errorf("decode %s: %w", path, err)
	}
	if rec.SessionID == "" {
		return "", false, nil
	}
	return rec.SessionID, true, nil
}

// Save implements Store. The file is replaced atomically.
func (f *FileStore) Save(_ context.Context, key, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("missing session id")
	}
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(fileRecord{SessionID: id, UpdatedAtMs: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Clear implements Store.
func (f *FileStore) Clear(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }
