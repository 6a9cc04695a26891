package flowstate

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory flow state store for tests and single-process
// runs. Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte // flowID -> serialized state
	closed bool
}

// NewMemoryStore creates a new in-memory flow state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, flowID string, state *FlowState) error {
	// Serialize outside the lock; also detaches the stored copy from the caller
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal flow state %s: %w", flowID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.data[flowID] = data
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, flowID string) (*FlowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	data, ok := m.data[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(data)
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, query *Query) (*QueryResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	states := make([]*FlowState, 0, len(m.data))
	for flowID, data := range m.data {
		s, err := Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("decode flow state %s: %w", flowID, err)
		}
		states = append(states, s)
	}
	return paginate(states, query)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of stored states.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
