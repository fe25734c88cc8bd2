package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",

		EvaluateDeadline: 500 * time.Millisecond,
		ExplainBudget:    5 * time.Second,

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
		EnsembleWeight:       1.0,

		HighAmountCents:     config.DefaultHighAmountCents,
		VeryHighAmountCents: config.DefaultVeryHighAmountCents,
		VelocityWindow:      time.Minute,
		VelocityMaxTxns:     config.DefaultVelocityMaxTxns,

		WeightRandomForest: config.DefaultWeightRandomForest,
		WeightXGBoost:      config.DefaultWeightXGBoost,
		WeightAutoencoder:  config.DefaultWeightAutoencoder,
		WeightLSTM:         config.DefaultWeightLSTM,

		BatchSize:     config.DefaultBatchSize,
		MaxBatchSize:  config.DefaultMaxBatchSize,
		MinBatchSize:  config.DefaultMinBatchSize,
		MaxBatchDelay: 5 * time.Millisecond,
	}
}

// newTestServer creates a server with in-memory storage
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Readiness flips only after Run has started the background workers.
	if w := do(s, "GET", "/health/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sentinel_http_requests_total") {
		t.Error("metrics output missing sentinel counters")
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", map[string]string{"X-Request-ID": "req-abc"})
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want req-abc", got)
	}
}

// ---------------------------------------------------------------------------
// Evaluation routing
// ---------------------------------------------------------------------------

func TestEvaluateEndToEnd(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.scorer.Start(ctx)
	defer s.scorer.Stop()

	body := `{
		"transactionId": "txn_srv_1",
		"userId": "user_srv_1",
		"amountCents": 50000,
		"currency": "USD",
		"ipAddress": "198.51.100.10",
		"deviceFingerprint": "fp-user_srv_1",
		"timestamp": "2026-08-20T14:00:00Z"
	}`
	w := do(s, "POST", "/v1/evaluate", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["transactionId"] != "txn_srv_1" {
		t.Errorf("transactionId = %v", resp["transactionId"])
	}
	if _, ok := resp["riskScore"]; !ok {
		t.Error("response missing riskScore")
	}
}

func TestEvaluateMalformedBody(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, "POST", "/v1/evaluate", `{"transactionId": 12`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func TestAdminOpenInDevelopmentWithoutSecret(t *testing.T) {
	s := newTestServer(t)

	body := `{"entryType":"ip","value":"203.0.113.7","reason":"fraud ring","addedBy":"tester"}`
	if w := do(s, "POST", "/v1/admin/blacklist", body, nil); w.Code != http.StatusCreated {
		t.Errorf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminRequiresSecretWhenConfigured(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AdminSecret = "s3cret" })

	body := `{"entryType":"ip","value":"203.0.113.8","reason":"fraud ring","addedBy":"tester"}`

	if w := do(s, "POST", "/v1/admin/blacklist", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}
	if w := do(s, "POST", "/v1/admin/blacklist", body, map[string]string{"X-Admin-Secret": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}
	if w := do(s, "POST", "/v1/admin/blacklist", body, map[string]string{"X-Admin-Secret": "s3cret"}); w.Code != http.StatusCreated {
		t.Errorf("Expected 201 with secret, got %d", w.Code)
	}
}

func TestAdminClosedInProductionWithoutSecret(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Env = "production" })

	if w := do(s, "GET", "/v1/admin/blacklist", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Startup validation
// ---------------------------------------------------------------------------

func TestInvalidReputationEndpointFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.EmailReputationURL = "http://127.0.0.1/lookup"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected startup error for internal reputation endpoint")
	}
}

func TestInvalidEnsembleWeightsFailStartup(t *testing.T) {
	cfg := testConfig()
	cfg.WeightLSTM = 0.5 // sum != 1.0

	if _, err := New(cfg); err == nil {
		t.Fatal("expected startup error for ensemble weights not summing to 1.0")
	}
}
