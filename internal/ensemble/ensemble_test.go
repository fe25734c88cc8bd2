package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		WeightRandomForest: config.DefaultWeightRandomForest,
		WeightXGBoost:      config.DefaultWeightXGBoost,
		WeightAutoencoder:  config.DefaultWeightAutoencoder,
		WeightLSTM:         config.DefaultWeightLSTM,

		BatchSize:     config.DefaultBatchSize,
		MaxBatchSize:  config.DefaultMaxBatchSize,
		MinBatchSize:  config.DefaultMinBatchSize,
		MaxBatchDelay: 10 * time.Millisecond,

		ExplainBudget: 5 * time.Second,
	}
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func cleanFeatures() Features {
	return Features{
		AmountCents:  50000,
		HourUTC:      14,
		DeviceKnown:  true,
		TxnsInWindow: 1,
	}
}

func riskyFeatures() Features {
	return Features{
		AmountCents:      2000000,
		HourUTC:          3,
		DeviceKnown:      false,
		NetworkProxy:     true,
		NetworkRiskScore: 0.9,
		GeoMismatch:      true,
		TxnsInWindow:     5,
		EmailRisk:        0.8,
		PhoneRisk:        0.7,
		BINRisk:          0.6,
	}
}

func TestWeightsMustSumToOne(t *testing.T) {
	cfg := testConfig()
	cfg.WeightLSTM = 0.2 // sum = 1.1
	if _, err := NewScorer(cfg, nil); err == nil {
		t.Fatal("expected weight validation error")
	}

	bad := Weights{RandomForest: 0.5, XGBoost: 0.5, Autoencoder: 0.1}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for sum 1.1")
	}
	good := Weights{RandomForest: 0.30, XGBoost: 0.35, Autoencoder: 0.25, LSTM: 0.10}
	if err := good.Validate(); err != nil {
		t.Errorf("default weights should validate: %v", err)
	}
}

func TestScoreRangeAndDeterminism(t *testing.T) {
	s := newScorer(t)
	ctx := context.Background()

	clean, err := s.Score(ctx, cleanFeatures())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	risky, err := s.Score(ctx, riskyFeatures())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if clean < 0 || clean > 100 || risky < 0 || risky > 100 {
		t.Fatalf("scores out of range: clean=%d risky=%d", clean, risky)
	}
	if risky <= clean {
		t.Errorf("risky transaction must outscore clean: %d vs %d", risky, clean)
	}

	again, _ := s.Score(ctx, riskyFeatures())
	if again != risky {
		t.Errorf("scoring is deterministic: got %d then %d", risky, again)
	}
}

func TestPhoneRiskRaisesScore(t *testing.T) {
	s := newScorer(t)
	ctx := context.Background()

	base := cleanFeatures()
	baseline, err := s.Score(ctx, base)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	base.PhoneRisk = 0.9
	elevated, err := s.Score(ctx, base)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if elevated <= baseline {
		t.Errorf("risky phone must raise the score: %d vs baseline %d", elevated, baseline)
	}

	factors := topFactors(base)
	found := false
	for _, f := range factors {
		if f == "risky_phone" {
			found = true
		}
	}
	if !found {
		t.Errorf("risky_phone missing from factors %v", factors)
	}
}

func TestFeatureKeyDistinguishesVectors(t *testing.T) {
	a := riskyFeatures()
	b := riskyFeatures()
	if a.Key() != b.Key() {
		t.Error("identical vectors must share a key")
	}
	b.PhoneRisk = 0.1
	if a.Key() == b.Key() {
		t.Error("differing vectors must not collide")
	}
}

func TestCleanTransactionScoresLow(t *testing.T) {
	s := newScorer(t)
	score, err := s.Score(context.Background(), cleanFeatures())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score > 30 {
		t.Errorf("clean transaction scored %d, want <= 30", score)
	}
}

func TestModelsStayInProbabilityRange(t *testing.T) {
	inputs := []Features{cleanFeatures(), riskyFeatures(), {}}
	for _, m := range []Model{randomForest{}, xgboost{}, autoencoder{}, lstm{}} {
		probs, err := m.PredictProba(context.Background(), inputs)
		if err != nil {
			t.Fatalf("%s: %v", m.Name(), err)
		}
		for i, p := range probs {
			if p < 0 || p > 1 {
				t.Errorf("%s input %d: probability %f out of range", m.Name(), i, p)
			}
		}
	}
}

func TestExplainMatchesScore(t *testing.T) {
	s := newScorer(t)
	ctx := context.Background()

	f := riskyFeatures()
	score, err := s.Score(ctx, f)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	exp := s.Explain(ctx, f)
	if exp.Partial {
		t.Fatal("explanation should complete within budget")
	}
	if exp.Score != score {
		t.Errorf("explained score %d != pipeline score %d", exp.Score, score)
	}
	if len(exp.Contributions) != 4 {
		t.Fatalf("expected 4 contributions, got %d", len(exp.Contributions))
	}

	var sum float64
	for _, c := range exp.Contributions {
		if c.Contribution != c.Weight*c.Probability {
			t.Errorf("%s: contribution %f != weight*prob", c.Model, c.Contribution)
		}
		sum += c.Contribution
	}
	if clipScore(sum) != exp.Score {
		t.Errorf("contributions sum to score %d, explanation says %d", clipScore(sum), exp.Score)
	}

	// Contributions are sorted strongest first.
	for i := 1; i < len(exp.Contributions); i++ {
		if exp.Contributions[i].Contribution > exp.Contributions[i-1].Contribution {
			t.Error("contributions not sorted by magnitude")
		}
	}
}

func TestExplainPartialOnExpiredBudget(t *testing.T) {
	cfg := testConfig()
	cfg.ExplainBudget = time.Nanosecond
	s, err := NewScorer(cfg, nil)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}

	exp := s.Explain(context.Background(), riskyFeatures())
	if !exp.Partial {
		t.Error("expired budget should mark the explanation partial")
	}
	if exp.TopFactors == nil {
		t.Error("top factors are feature-derived and always present for risky input")
	}
}

func TestTopFactorsNameTheRisk(t *testing.T) {
	factors := topFactors(riskyFeatures())
	want := map[string]bool{
		"transaction_velocity": true,
		"proxy_or_vpn":         true,
		"unknown_device":       true,
		"geo_mismatch":         true,
		"high_amount":          true,
	}
	got := make(map[string]bool, len(factors))
	for _, f := range factors {
		got[f] = true
	}
	for f := range want {
		if !got[f] {
			t.Errorf("missing factor %s in %v", f, factors)
		}
	}

	if len(topFactors(cleanFeatures())) != 0 {
		t.Errorf("clean features should produce no factors, got %v", topFactors(cleanFeatures()))
	}
}

func TestClipScore(t *testing.T) {
	cases := []struct {
		p    float64
		want int
	}{
		{-0.5, 0}, {0, 0}, {0.305, 31}, {0.5, 50}, {1.0, 100}, {1.7, 100},
	}
	for _, c := range cases {
		if got := clipScore(c.p); got != c.want {
			t.Errorf("clipScore(%f) = %d, want %d", c.p, got, c.want)
		}
	}
}
