package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/sentinel/internal/batch"
	"github.com/mbd888/sentinel/internal/config"
)

// Weights assigns each model its share of the combined probability.
type Weights struct {
	RandomForest float64
	XGBoost      float64
	Autoencoder  float64
	LSTM         float64
}

// Validate rejects weight sets that do not sum to 1.0. This is checked once
// at startup and treated as fatal.
func (w Weights) Validate() error {
	sum := w.RandomForest + w.XGBoost + w.Autoencoder + w.LSTM
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("ensemble weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

type weightedModel struct {
	model  Model
	weight float64
}

// Scorer runs the weighted ensemble. Score calls are funneled through the
// batching pipeline; Explain bypasses it and runs the models directly under
// its own budget.
type Scorer struct {
	models        []weightedModel
	pipeline      *batch.Pipeline[Features, float64]
	explainBudget time.Duration
	logger        *slog.Logger
}

// NewScorer builds the ensemble from configuration. Invalid weights are a
// construction error, never a per-request one.
func NewScorer(cfg *config.Config, logger *slog.Logger) (*Scorer, error) {
	w := Weights{
		RandomForest: cfg.WeightRandomForest,
		XGBoost:      cfg.WeightXGBoost,
		Autoencoder:  cfg.WeightAutoencoder,
		LSTM:         cfg.WeightLSTM,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scorer{
		models: []weightedModel{
			{randomForest{}, w.RandomForest},
			{xgboost{}, w.XGBoost},
			{autoencoder{}, w.Autoencoder},
			{lstm{}, w.LSTM},
		},
		explainBudget: cfg.ExplainBudget,
		logger:        logger,
	}

	p, err := batch.New(batch.Config{
		BatchSize:     cfg.BatchSize,
		MaxBatchSize:  cfg.MaxBatchSize,
		MinBatchSize:  cfg.MinBatchSize,
		MaxBatchDelay: cfg.MaxBatchDelay,
	}, s.combinedBatch, logger)
	if err != nil {
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

// Start launches the batching pipeline.
func (s *Scorer) Start(ctx context.Context) { s.pipeline.Start(ctx) }

// Stop drains the pipeline.
func (s *Scorer) Stop() { s.pipeline.Stop() }

// Score returns the clipped 0-100 ensemble risk score for one transaction.
func (s *Scorer) Score(ctx context.Context, f Features) (int, error) {
	p, err := s.pipeline.Infer(ctx, f)
	if err != nil {
		return 0, err
	}
	return clipScore(p), nil
}

// combinedBatch computes the weighted probability for every item in a
// batch. A failure in any model fails the whole batch; the pipeline
// propagates it to every member.
func (s *Scorer) combinedBatch(ctx context.Context, inputs []Features) ([]float64, error) {
	combined := make([]float64, len(inputs))
	for _, wm := range s.models {
		probs, err := wm.model.PredictProba(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", wm.model.Name(), err)
		}
		if len(probs) != len(inputs) {
			return nil, fmt.Errorf("model %s returned %d outputs for %d inputs",
				wm.model.Name(), len(probs), len(inputs))
		}
		for i, p := range probs {
			combined[i] += wm.weight * p
		}
	}
	return combined, nil
}

// clipScore maps a combined probability to the 0-100 integer scale.
func clipScore(p float64) int {
	score := int(math.Round(100 * p))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
