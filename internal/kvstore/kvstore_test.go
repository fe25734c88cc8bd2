package kvstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}
}

func TestGetExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("v1"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expired key should be absent")
	}
}

func TestSetResetsTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("v1"), time.Millisecond)
	_ = s.Set(ctx, "k1", []byte("v2"), time.Minute)
	time.Sleep(5 * time.Millisecond)

	got, ok, _ := s.Get(ctx, "k1")
	if !ok || string(got) != "v2" {
		t.Errorf("overwrite should reset ttl, got ok=%v value=%s", ok, got)
	}
}

func TestDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("v1"), 0)

	deleted, err := s.Delete(ctx, "k1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}

	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Error("key should be gone after delete")
	}

	deleted, _ = s.Delete(ctx, "k1")
	if deleted {
		t.Error("second delete should report absent")
	}
}

func TestIncrConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, _ = s.Incr(ctx, "counter", time.Minute)
		}()
	}
	wg.Wait()

	n, err := s.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != goroutines+1 {
		t.Errorf("expected %d, got %d", goroutines+1, n)
	}
}

func TestIncrExpiredCounterRestarts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.Incr(ctx, "counter", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	n, _ := s.Incr(ctx, "counter", time.Minute)
	if n != 1 {
		t.Errorf("expired counter should restart at 1, got %d", n)
	}
}

func TestScanOrderAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.Set(ctx, fmt.Sprintf("bl:ip:%d", i), []byte("x"), 0)
	}
	_ = s.Set(ctx, "other:key", []byte("x"), 0)

	kvs, err := s.Scan(ctx, "bl:ip:", 2, 1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(kvs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(kvs))
	}
	if kvs[0].Key != "bl:ip:1" || kvs[1].Key != "bl:ip:2" {
		t.Errorf("unexpected page: %s, %s", kvs[0].Key, kvs[1].Key)
	}
}

func TestExpire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k1", []byte("v1"), time.Minute)

	ok, err := s.Expire(ctx, "k1", time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expire: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, present, _ := s.Get(ctx, "k1"); present {
		t.Error("key should have expired after Expire")
	}

	ok, _ = s.Expire(ctx, "missing", time.Minute)
	if ok {
		t.Error("expire of missing key should report absent")
	}
}
