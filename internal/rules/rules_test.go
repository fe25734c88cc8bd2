package rules

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/kvstore"
)

func testConfig() *config.Config {
	return &config.Config{
		ThresholdLow:    config.DefaultThresholdLow,
		ThresholdMedium: config.DefaultThresholdMedium,
		ThresholdHigh:   config.DefaultThresholdHigh,

		DeltaUnknownDevice:   config.DefaultDeltaUnknownDevice,
		DeltaHighAmount:      config.DefaultDeltaHighAmount,
		DeltaVeryHighAmount:  config.DefaultDeltaVeryHighAmount,
		DeltaGeoMismatch:     config.DefaultDeltaGeoMismatch,
		DeltaOffHours:        config.DefaultDeltaOffHours,
		DeltaDisposableEmail: config.DefaultDeltaDisposableEmail,
		DeltaVelocity:        config.DefaultDeltaVelocity,

		HighAmountCents:     config.DefaultHighAmountCents,
		VeryHighAmountCents: config.DefaultVeryHighAmountCents,
		VelocityWindow:      time.Minute,
		VelocityMaxTxns:     config.DefaultVelocityMaxTxns,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultRules(testConfig()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func cleanInput() *Input {
	return &Input{
		TransactionID:     "txn_1",
		UserID:            "user_1",
		AmountCents:       50000,
		Currency:          "USD",
		Email:             "legit@example.com",
		DeviceFingerprint: "fp-1",
		DeviceKnown:       true,
		IPCountry:         "US",
		BillingCountry:    "US",
		Timestamp:         time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC),
		UserTxnsInWindow:  1,
	}
}

func TestEmptyRuleSetIsFatal(t *testing.T) {
	if _, err := NewEngine(nil); !errors.Is(err, ErrNoActiveRules) {
		t.Fatalf("expected ErrNoActiveRules, got %v", err)
	}
}

func TestCleanTransactionMatchesNothing(t *testing.T) {
	e := newTestEngine(t)
	signals, override := e.Evaluate(context.Background(), cleanInput())
	if len(signals) != 0 {
		t.Errorf("clean transaction should match no rules, got %+v", signals)
	}
	if override != nil {
		t.Errorf("expected no override, got %s", *override)
	}
}

func TestHighAmountRule(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.AmountCents = 150000

	signals, override := e.Evaluate(context.Background(), in)
	if len(signals) != 1 || signals[0].RuleID != "amount_high" {
		t.Fatalf("expected single amount_high match, got %+v", signals)
	}
	if signals[0].ScoreDelta != config.DefaultDeltaHighAmount {
		t.Errorf("delta = %d, want %d", signals[0].ScoreDelta, config.DefaultDeltaHighAmount)
	}
	if override != nil {
		t.Errorf("amount_high carries no override, got %s", *override)
	}
}

func TestVeryHighAmountDoesNotDoubleCount(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.AmountCents = 5000000

	signals, _ := e.Evaluate(context.Background(), in, "amount")
	if len(signals) != 1 || signals[0].RuleID != "amount_very_high" {
		t.Fatalf("expected only amount_very_high, got %+v", signals)
	}
}

func TestVelocityBlockOverridesEverything(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.UserTxnsInWindow = 3

	signals, override := e.Evaluate(context.Background(), in)
	if override == nil || *override != ActionBlock {
		t.Fatalf("3 transactions inside the window must block, got %v", override)
	}
	found := false
	for _, s := range signals {
		if s.RuleID == "velocity_burst" {
			found = true
		}
	}
	if !found {
		t.Error("expected velocity_burst signal")
	}
}

func TestOverrideKeepsStrongestAction(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.AmountCents = 5000000 // warning
	in.UserTxnsInWindow = 5  // block

	_, override := e.Evaluate(context.Background(), in)
	if override == nil || *override != ActionBlock {
		t.Fatalf("block must outrank warning, got %v", override)
	}
}

func TestGeoMismatchIsCaseInsensitive(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.IPCountry = "us"
	in.BillingCountry = "US"

	signals, _ := e.Evaluate(context.Background(), in, "geo")
	if len(signals) != 0 {
		t.Errorf("same country in different case must not match, got %+v", signals)
	}

	in.IPCountry = "RU"
	signals, _ = e.Evaluate(context.Background(), in, "geo")
	if len(signals) != 1 || signals[0].RuleID != "geo_mismatch" {
		t.Errorf("expected geo_mismatch, got %+v", signals)
	}
}

func TestOffHoursWindow(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.Timestamp = time.Date(2026, 8, 20, 3, 30, 0, 0, time.UTC)

	signals, _ := e.Evaluate(context.Background(), in, "pattern")
	if len(signals) != 1 || signals[0].RuleID != "off_hours" {
		t.Errorf("03:30 UTC should match off_hours, got %+v", signals)
	}

	in.Timestamp = time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	signals, _ = e.Evaluate(context.Background(), in, "pattern")
	if len(signals) != 0 {
		t.Errorf("06:00 UTC should not match, got %+v", signals)
	}
}

func TestDisposableEmailRule(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.Email = "bot@Mailinator.com"

	signals, override := e.Evaluate(context.Background(), in, "identity")
	if len(signals) != 1 || signals[0].RuleID != "email_disposable" {
		t.Fatalf("expected email_disposable, got %+v", signals)
	}
	if override == nil || *override != ActionWarning {
		t.Errorf("expected warning override, got %v", override)
	}
}

func TestCategoryFilterSkipsOtherRules(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.DeviceKnown = false
	in.AmountCents = 150000

	signals, _ := e.Evaluate(context.Background(), in, "device")
	if len(signals) != 1 || signals[0].RuleID != "device_unknown" {
		t.Errorf("category filter should keep only device rules, got %+v", signals)
	}
}

func TestBotSignals(t *testing.T) {
	e := newTestEngine(t)
	in := cleanInput()
	in.NetworkProxy = true

	signals, _ := e.Evaluate(context.Background(), in)
	if !HasBotSignal(signals) {
		t.Error("proxy traffic should raise a bot-category signal")
	}
}

func TestVelocityTrackerCounts(t *testing.T) {
	v := NewVelocityTracker(kvstore.NewMemoryStore(), time.Minute, slog.Default())
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		if got := v.Observe(ctx, "user_9"); got != want {
			t.Fatalf("observation %d: count = %d", want, got)
		}
	}
	if got := v.Observe(ctx, "user_other"); got != 1 {
		t.Errorf("different user should have its own counter, got %d", got)
	}
}

func TestVelocityTrackerFailsOpen(t *testing.T) {
	v := NewVelocityTracker(brokenStore{}, time.Minute, slog.Default())
	if got := v.Observe(context.Background(), "user_9"); got != 1 {
		t.Errorf("store failure must degrade to count 1, got %d", got)
	}
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) Delete(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (brokenStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) Scan(context.Context, string, int, int) ([]kvstore.KV, error) {
	return nil, errors.New("store down")
}
