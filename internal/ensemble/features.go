// Package ensemble combines four fraud models into one weighted risk
// probability.
//
// Models are a closed set behind the Model interface; the scorer never
// branches on a concrete model type. Scoring goes through the batching
// pipeline so concurrent evaluations share inference calls.
package ensemble

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
)

// Features is the numeric view of a transaction the models consume.
// Extraction happens in the evaluation layer; models only see this.
type Features struct {
	AmountCents      int64   `json:"amountCents"`
	HourUTC          int     `json:"hourUtc"`
	DeviceKnown      bool    `json:"deviceKnown"`
	NetworkProxy     bool    `json:"networkProxy"`
	NetworkRiskScore float64 `json:"networkRiskScore"`
	GeoMismatch      bool    `json:"geoMismatch"`
	TxnsInWindow     int64   `json:"txnsInWindow"`
	EmailRisk        float64 `json:"emailRisk"`
	PhoneRisk        float64 `json:"phoneRisk"`
	BINRisk          float64 `json:"binRisk"`
}

// Key identifies a feature vector for prediction caching. The models are
// deterministic, so identical vectors can reuse a cached score.
func (f Features) Key() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%t|%t|%.4f|%t|%d|%.4f|%.4f|%.4f",
		f.AmountCents, f.HourUTC, f.DeviceKnown, f.NetworkProxy,
		f.NetworkRiskScore, f.GeoMismatch, f.TxnsInWindow,
		f.EmailRisk, f.PhoneRisk, f.BINRisk)
	return strconv.FormatUint(h.Sum64(), 16)
}

// amountScale maps an amount to [0,1) with diminishing returns; $10,000
// lands around 0.7.
func amountScale(cents int64) float64 {
	if cents <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(cents)/850000.0)
}

// offHours reports whether the hour falls in the quiet window where
// automated fraud concentrates.
func offHours(hour int) bool {
	return hour >= 2 && hour < 6
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
