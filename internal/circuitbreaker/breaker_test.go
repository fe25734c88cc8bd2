package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("email-reputation") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("email-reputation")
	b.RecordFailure("email-reputation")
	if !b.Allow("email-reputation") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("email-reputation")
	if b.Allow("email-reputation") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("email-reputation") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("email-reputation"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("bin-reputation")
	b.RecordFailure("bin-reputation")
	if b.Allow("bin-reputation") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("bin-reputation") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("bin-reputation") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("bin-reputation"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("bin-reputation") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("phone-reputation")
	b.RecordFailure("phone-reputation")
	time.Sleep(60 * time.Millisecond)
	b.Allow("phone-reputation") // Transitions to half-open

	b.RecordSuccess("phone-reputation")
	if b.State("phone-reputation") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("phone-reputation"))
	}
	if !b.Allow("phone-reputation") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("email-reputation")
	b.RecordFailure("email-reputation")
	time.Sleep(60 * time.Millisecond)
	b.Allow("email-reputation") // Transitions to half-open

	b.RecordFailure("email-reputation")
	if b.State("email-reputation") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("email-reputation"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("email-reputation")
	b.RecordFailure("email-reputation")
	b.RecordSuccess("email-reputation")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("email-reputation")
	if !b.Allow("email-reputation") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("email-reputation")
	b.RecordFailure("email-reputation")

	// email provider is open; BIN provider is unaffected.
	if b.Allow("email-reputation") {
		t.Fatal("email-reputation should be open")
	}
	if !b.Allow("bin-reputation") {
		t.Fatal("bin-reputation should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("email-reputation")
	b.RecordFailure("email-reputation") // closed -> open
	time.Sleep(60 * time.Millisecond)
	b.Allow("email-reputation")          // open -> half-open
	b.RecordSuccess("email-reputation")  // half-open -> closed

	mu.Lock()
	defer mu.Unlock()
	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(transitions))
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], w)
		}
	}
}
