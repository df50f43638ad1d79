package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONStorage keeps everything in one JSON file rewritten atomically on
// every change.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *Data
}

// Data is the on-disk layout of JSONStorage.
type Data struct {
	Session     *SessionRecord `json:"session,omitempty"`
	Orders      []OrderRecord  `json:"orders"`
	LastUpdated time.Time      `json:"last_updated"`
}

// NewJSONStorage opens path, loading existing data if the file exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &Data{},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := &Data{}
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	s.data = data
	return nil
}

// saveLocked writes the file. Callers must hold mu.
func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	// Write to temp file first; the file holds session tokens.
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// SaveSession replaces the stored session.
func (s *JSONStorage) SaveSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Session = &rec
	return s.saveLocked()
}

// LoadSession returns the stored session.
func (s *JSONStorage) LoadSession() (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Session == nil {
		return nil, ErrNotFound
	}
	rec := *s.data.Session
	return &rec, nil
}

// RecordOrder appends rec to the journal.
func (s *JSONStorage) RecordOrder(rec OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Symbols = append([]string(nil), rec.Symbols...)
	s.data.Orders = append(s.data.Orders, rec)
	return s.saveLocked()
}

// UpdateOrderStatus sets the status of the journal entry with id.
func (s *JSONStorage) UpdateOrderStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Orders {
		if s.data.Orders[i].ID == id {
			s.data.Orders[i].Status = status
			s.data.Orders[i].UpdatedAt = time.Now().UTC()
			return s.saveLocked()
		}
	}
	return fmt.Errorf("order %s: %w", id, ErrNotFound)
}

// GetOrders returns a copy of the journal.
func (s *JSONStorage) GetOrders() ([]OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OrderRecord, len(s.data.Orders))
	for i, o := range s.data.Orders {
		o.Symbols = append([]string(nil), o.Symbols...)
		out[i] = o
	}
	return out, nil
}

// Close is a no-op; every change is already on disk.
func (s *JSONStorage) Close() error { return nil }
