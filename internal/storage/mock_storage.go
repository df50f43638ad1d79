package storage

import (
	"fmt"
	"sync"
	"time"
)

// MockStorage is an in-memory Interface with error injection for tests.
type MockStorage struct {
	mu              sync.Mutex
	saveError       error
	session         *SessionRecord
	orders          []OrderRecord
	saveCallCount   int
	recordCallCount int
}

// NewMockStorage creates an empty mock storage.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

func (m *MockStorage) SaveSession(rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	m.session = &rec
	return nil
}

func (m *MockStorage) LoadSession() (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNotFound
	}
	rec := *m.session
	return &rec, nil
}

func (m *MockStorage) RecordOrder(rec OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	m.orders = append(m.orders, rec)
	return nil
}

func (m *MockStorage) UpdateOrderStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	for i := range m.orders {
		if m.orders[i].ID == id {
			m.orders[i].Status = status
			m.orders[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", id, ErrNotFound)
}

func (m *MockStorage) GetOrders() ([]OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRecord(nil), m.orders...), nil
}

func (m *MockStorage) Close() error { return nil }

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetRecordCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordCallCount
}
