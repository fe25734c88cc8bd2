package kvstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Expired entries are dropped lazily on read and swept by Janitor.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero = never expires
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// NewMemoryStore creates an in-memory key-value store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || item.expired(time.Now()) {
		return nil, false, nil
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = memoryItem{value: stored, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return false, nil
	}
	delete(s.items, key)
	return !item.expired(time.Now()), nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	item, ok := s.items[key]
	if !ok || item.expired(now) {
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = now.Add(ttl)
		}
		s.items[key] = memoryItem{value: []byte("1"), expiresAt: expiresAt}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(item.value), 10, 64)
	if err != nil {
		n = 0
	}
	n++
	item.value = []byte(strconv.FormatInt(n, 10))
	s.items[key] = item
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	item, ok := s.items[key]
	if !ok || item.expired(now) {
		return false, nil
	}

	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	} else {
		item.expiresAt = time.Time{}
	}
	s.items[key] = item
	return true, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string, limit, offset int) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(s.items))
	for k, item := range s.items {
		if strings.HasPrefix(k, prefix) && !item.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if offset >= len(keys) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, 0, len(keys))
	for _, k := range keys {
		v := s.items[k].value
		out := make([]byte, len(v))
		copy(out, v)
		result = append(result, KV{Key: k, Value: out})
	}
	return result, nil
}

// Janitor sweeps expired entries every interval until ctx is done.
// Call in a goroutine.
func (s *MemoryStore) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for k, item := range s.items {
		if item.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
