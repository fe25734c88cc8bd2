package evaluation

import (
	"context"
	"errors"
	"sync"
)

// ErrResultNotFound is returned when no audit record exists for an ID.
var ErrResultNotFound = errors.New("evaluation result not found")

// Store is the audit trail of evaluation results. Writes are asynchronous
// and best-effort; losing one never affects the decision already returned.
type Store interface {
	Record(ctx context.Context, result *Result) error
	Get(ctx context.Context, id string) (*Result, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Result, error)
}

// MemoryStore is an in-memory audit store for demo/development mode.
type MemoryStore struct {
	byID map[string]*Result
	byTx map[string]string // transactionID → latest result ID
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Result),
		byTx: make(map[string]string),
	}
}

func (m *MemoryStore) Record(ctx context.Context, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *result
	m.byID[result.ID] = &cp
	m.byTx[result.TransactionID] = result.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.byID[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[transactionID]
	if !ok {
		return nil, ErrResultNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}
