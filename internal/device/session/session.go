// Package session keeps the logged-in member on the device between runs.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

type Session struct {
	ServerURL string        `json:"server_url"`
	Token     string        `json:"token"`
	Member    models.Member `json:"member"`
	PushToken string        `json:"push_token,omitempty"`
}

// FileStore persists a Session as a JSON file readable only by the owner.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath is <user config dir>/ohgo/<name>.
func DefaultPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ohgo", name), nil
}

func (f *FileStore) Save(s Session) error {
	return writeJSON(f.path, s)
}

// Load returns nil, nil when no one is logged in.
func (f *FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session file %s: %w", f.path, err)
	}
	return &s, nil
}

func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// writeJSON replaces path atomically with 0600 permissions.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
