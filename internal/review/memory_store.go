package review

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory review store for demo/development mode.
type MemoryStore struct {
	items  map[string]*Item  // by ID
	openTx map[string]string // transactionID → open item ID
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]*Item),
		openTx: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.openTx[item.TransactionID]; ok {
		return ErrDuplicateOpen
	}

	cp := *item
	m.items[item.ID] = &cp
	m.openTx[item.TransactionID] = item.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openTx[transactionID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *m.items[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}

	if existing.Open() && !item.Open() {
		delete(m.openTx, existing.TransactionID)
	}

	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit, offset int) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Item
	for _, item := range m.items {
		if status != "" && item.Status != status {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}

	// Oldest first: reviewers work the queue in arrival order.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountOpen(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openTx), nil
}
