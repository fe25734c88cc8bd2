package ensemble

import (
	"context"
	"math"
)

// Model produces a fraud probability in [0,1] for each feature vector in a
// batch, one output per input, in order.
type Model interface {
	Name() string
	PredictProba(ctx context.Context, batch []Features) ([]float64, error)
}

// predictEach lifts a per-item scoring function into the batch contract.
func predictEach(ctx context.Context, batch []Features, score func(Features) float64) ([]float64, error) {
	out := make([]float64, len(batch))
	for i, f := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = clamp01(score(f))
	}
	return out, nil
}

// randomForest approximates a tree ensemble: a fixed set of split rules,
// each voting a leaf probability, averaged.
type randomForest struct{}

func (randomForest) Name() string { return "random_forest" }

func (randomForest) PredictProba(ctx context.Context, batch []Features) ([]float64, error) {
	return predictEach(ctx, batch, func(f Features) float64 {
		votes := []float64{
			leaf(f.AmountCents >= 100000, 0.55, 0.12),
			leaf(!f.DeviceKnown, 0.60, 0.10),
			leaf(f.NetworkProxy, 0.65, 0.15),
			leaf(f.GeoMismatch, 0.58, 0.14),
			leaf(f.TxnsInWindow >= 3, 0.72, 0.10),
			leaf(offHours(f.HourUTC), 0.40, 0.18),
			leaf(f.EmailRisk >= 0.5, 0.62, 0.16),
			leaf(f.PhoneRisk >= 0.5, 0.60, 0.15),
		}
		var sum float64
		for _, v := range votes {
			sum += v
		}
		return sum / float64(len(votes))
	})
}

func leaf(cond bool, hit, miss float64) float64 {
	if cond {
		return hit
	}
	return miss
}

// xgboost approximates gradient boosting: a logistic link over a weighted
// margin accumulated from the same feature set.
type xgboost struct{}

func (xgboost) Name() string { return "xgboost" }

func (xgboost) PredictProba(ctx context.Context, batch []Features) ([]float64, error) {
	return predictEach(ctx, batch, func(f Features) float64 {
		margin := -2.2 // base rate: most transactions are legitimate
		margin += 1.8 * amountScale(f.AmountCents)
		margin += 1.1 * boolVal(!f.DeviceKnown)
		margin += 1.4 * boolVal(f.NetworkProxy)
		margin += 1.2 * boolVal(f.GeoMismatch)
		margin += 0.9 * math.Min(float64(f.TxnsInWindow)/3.0, 2.0)
		margin += 0.5 * boolVal(offHours(f.HourUTC))
		margin += 1.0 * f.EmailRisk
		margin += 0.7 * f.PhoneRisk
		margin += 0.8 * f.BINRisk
		return 1 / (1 + math.Exp(-margin))
	})
}

// autoencoder approximates anomaly detection: squared deviation of each
// feature from its typical value, normalized into a probability.
type autoencoder struct{}

func (autoencoder) Name() string { return "autoencoder" }

func (autoencoder) PredictProba(ctx context.Context, batch []Features) ([]float64, error) {
	return predictEach(ctx, batch, func(f Features) float64 {
		// Typical transaction: modest amount, known device, direct
		// connection, matching geo, one transaction in the window.
		dev := []float64{
			amountScale(f.AmountCents) - 0.15,
			boolVal(!f.DeviceKnown),
			boolVal(f.NetworkProxy),
			f.NetworkRiskScore,
			boolVal(f.GeoMismatch),
			math.Min(float64(f.TxnsInWindow-1)/4.0, 1.0),
			f.EmailRisk,
			f.PhoneRisk,
		}
		var errSum float64
		for _, d := range dev {
			errSum += d * d
		}
		// Reconstruction error above ~2.5 saturates at probability 1.
		return errSum / 2.5
	})
}

// lstm approximates the sequence model: recent transaction cadence
// dominates, modulated by time of day.
type lstm struct{}

func (lstm) Name() string { return "lstm" }

func (lstm) PredictProba(ctx context.Context, batch []Features) ([]float64, error) {
	return predictEach(ctx, batch, func(f Features) float64 {
		cadence := math.Min(float64(f.TxnsInWindow)/5.0, 1.0)
		p := 0.75 * cadence
		if offHours(f.HourUTC) {
			p += 0.15
		}
		if f.NetworkProxy {
			p += 0.10
		}
		return p
	})
}
