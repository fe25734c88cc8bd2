package ensemble

import (
	"context"
	"sort"
)

// ModelContribution is one model's share of an explained score.
type ModelContribution struct {
	Model        string  `json:"model"`
	Weight       float64 `json:"weight"`
	Probability  float64 `json:"probability"`
	Contribution float64 `json:"contribution"`
}

// Explanation breaks a score down per model. Partial is set when the budget
// expired before every model answered; the contributions present are still
// valid.
type Explanation struct {
	Score         int                 `json:"score"`
	Contributions []ModelContribution `json:"contributions"`
	TopFactors    []string            `json:"topFactors"`
	Partial       bool                `json:"partial"`
}

// Explain recomputes the score with per-model attribution. Models run
// concurrently under the configured budget; whatever has answered when the
// budget expires is returned with Partial set. Explain never fails outright.
func (s *Scorer) Explain(ctx context.Context, f Features) *Explanation {
	ctx, cancel := context.WithTimeout(ctx, s.explainBudget)
	defer cancel()

	type answer struct {
		idx  int
		prob float64
		err  error
	}
	answers := make(chan answer, len(s.models))

	for i, wm := range s.models {
		go func(i int, wm weightedModel) {
			probs, err := wm.model.PredictProba(ctx, []Features{f})
			if err != nil {
				answers <- answer{idx: i, err: err}
				return
			}
			answers <- answer{idx: i, prob: probs[0]}
		}(i, wm)
	}

	exp := &Explanation{TopFactors: topFactors(f)}
	var combined float64
	received := 0

collect:
	for received < len(s.models) {
		select {
		case a := <-answers:
			received++
			if a.err != nil {
				s.logger.Warn("model explanation failed",
					"model", s.models[a.idx].model.Name(), "error", a.err)
				exp.Partial = true
				continue
			}
			wm := s.models[a.idx]
			exp.Contributions = append(exp.Contributions, ModelContribution{
				Model:        wm.model.Name(),
				Weight:       wm.weight,
				Probability:  a.prob,
				Contribution: wm.weight * a.prob,
			})
			combined += wm.weight * a.prob
		case <-ctx.Done():
			exp.Partial = true
			break collect
		}
	}

	sort.Slice(exp.Contributions, func(i, j int) bool {
		return exp.Contributions[i].Contribution > exp.Contributions[j].Contribution
	})
	exp.Score = clipScore(combined)
	return exp
}

// topFactors names the raw features most responsible for elevated risk, in
// terms an analyst recognizes.
func topFactors(f Features) []string {
	var factors []string
	if f.TxnsInWindow >= 3 {
		factors = append(factors, "transaction_velocity")
	}
	if f.NetworkProxy {
		factors = append(factors, "proxy_or_vpn")
	}
	if !f.DeviceKnown {
		factors = append(factors, "unknown_device")
	}
	if f.GeoMismatch {
		factors = append(factors, "geo_mismatch")
	}
	if f.AmountCents >= 100000 {
		factors = append(factors, "high_amount")
	}
	if f.EmailRisk >= 0.5 {
		factors = append(factors, "risky_email")
	}
	if f.PhoneRisk >= 0.5 {
		factors = append(factors, "risky_phone")
	}
	if offHours(f.HourUTC) {
		factors = append(factors, "off_hours")
	}
	return factors
}
