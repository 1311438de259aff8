// Package checkpoint persists per-session timer and ordering state so a
// session can resume after an unexpected interruption.
package checkpoint

import (
	"context"
	"sync"
)

// Key identifies the owner of a checkpoint: one exam attempt by one test-taker.
type Key struct {
	ExamID      string
	TestTakerID string
}

func (k Key) String() string {
	return k.ExamID + "/" + k.TestTakerID
}

// Store is the durable remaining-time checkpoint consumed by the session timer.
type Store interface {
	// Get returns the stored seconds, or ok=false when no checkpoint exists.
	Get(ctx context.Context, key Key) (seconds int, ok bool, err error)
	Set(ctx context.Context, key Key, seconds int) error
	Clear(ctx context.Context, key Key) error
}

// OrderCache stores the shuffled question order of a session.
type OrderCache interface {
	GetOrder(ctx context.Context, key Key) ([]string, bool, error)
	SetOrder(ctx context.Context, key Key, order []string) error
	ClearOrder(ctx context.Context, key Key) error
}

// MemoryStore is an in-process Store and OrderCache. It does not survive a
// process restart and is meant for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	seconds map[Key]int
	orders  map[Key][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seconds: make(map[Key]int),
		orders:  make(map[Key][]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.seconds[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, seconds int) error {
	m.mu.Lock()
	m.seconds[key] = seconds
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.seconds, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, key Key) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[key]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), order...), true, nil
}

func (m *MemoryStore) SetOrder(_ context.Context, key Key, order []string) error {
	m.mu.Lock()
	m.orders[key] = append([]string(nil), order...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearOrder(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.orders, key)
	m.mu.Unlock()
	return nil
}
