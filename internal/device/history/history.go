// Package history keeps the notifications a device has received, newest first.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

const MaxEntries = 50

type Entry struct {
	ID         string                   `json:"id"`
	Event      models.NotificationEvent `json:"event,omitempty"`
	Title      string                   `json:"title"`
	Body       string                   `json:"body"`
	Data       map[string]string        `json:"data,omitempty"`
	ReceivedAt time.Time                `json:"received_at"`
}

type Log struct {
	mu   sync.Mutex
	path string
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

// Append records e at the front and drops anything beyond MaxEntries.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	entries = append([]Entry{e}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return l.write(entries)
}

func (l *Log) List() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Log) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// an unreadable history is not worth failing over
		return []Entry{}, nil
	}
	return entries, nil
}

func (l *Log) write(entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o600)
}
