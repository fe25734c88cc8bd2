package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/kvstore"
)

// failingStore errors on every call, simulating an unreachable backing store.
type failingStore struct{}

var errStoreDown = errors.New("store unreachable")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Delete(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Scan(context.Context, string, int, int) ([]kvstore.KV, error) {
	return nil, errStoreDown
}

func testConfig() Config {
	return Config{
		IPDefault:      Limit{MaxRequests: 5, Window: time.Minute},
		ServiceDefault: Limit{MaxRequests: 50, Window: time.Minute},
		EndpointOverrides: map[string]Limit{
			"/v1/evaluate": {MaxRequests: 2, Window: time.Minute},
		},
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := New(kvstore.NewMemoryStore(), testConfig(), slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, "1.2.3.4", "/v1/blacklist", ClassIP)
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	l := New(kvstore.NewMemoryStore(), testConfig(), slog.Default())
	ctx := context.Background()

	var denied bool
	for i := 0; i < 8; i++ {
		if res := l.Check(ctx, "1.2.3.4", "/v1/blacklist", ClassIP); !res.Allowed {
			denied = true
			if res.Remaining != 0 {
				t.Errorf("denied result should report 0 remaining, got %d", res.Remaining)
			}
		}
	}
	if !denied {
		t.Error("expected at least one denial past the limit")
	}
}

func TestEndpointOverrideWinsOverClassDefault(t *testing.T) {
	l := New(kvstore.NewMemoryStore(), testConfig(), slog.Default())
	ctx := context.Background()

	// Service class default is 50, but /v1/evaluate is capped at 2.
	var denied bool
	for i := 0; i < 5; i++ {
		if res := l.Check(ctx, "svc:token", "/v1/evaluate", ClassService); !res.Allowed {
			denied = true
		}
	}
	if !denied {
		t.Error("endpoint override should cap service clients too")
	}
}

func TestServiceClassOutranksIPClass(t *testing.T) {
	l := New(kvstore.NewMemoryStore(), testConfig(), slog.Default())
	ctx := context.Background()

	// 10 requests exceed the IP default (5) but not the service default (50).
	for i := 0; i < 10; i++ {
		if res := l.Check(ctx, "svc:token", "/v1/blacklist", ClassService); !res.Allowed {
			t.Fatalf("service client should not be limited at request %d", i+1)
		}
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, testConfig(), slog.Default())
	ctx := context.Background()

	// Every call errors against the store; every request must still pass.
	for i := 0; i < 20; i++ {
		res := l.Check(ctx, "1.2.3.4", "/v1/evaluate", ClassIP)
		if !res.Allowed {
			t.Fatal("limiter must fail open when the store is down")
		}
	}
}

func TestResetAtIsWindowEnd(t *testing.T) {
	l := New(kvstore.NewMemoryStore(), testConfig(), slog.Default())

	res := l.Check(context.Background(), "1.2.3.4", "/v1/blacklist", ClassIP)
	if !res.ResetAt.After(time.Now()) {
		t.Error("ResetAt should be in the future")
	}
	if res.ResetAt.Sub(time.Now()) > time.Minute {
		t.Error("ResetAt should be within one window")
	}
}
