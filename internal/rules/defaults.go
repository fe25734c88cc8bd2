package rules

import (
	"strings"

	"github.com/mbd888/sentinel/internal/config"
)

// Disposable email domains we refuse to trust. Kept small on purpose: the
// long tail lives in the blacklist store where operators can manage it at
// runtime.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"throwaway.email":   true,
	"yopmail.com":       true,
	"sharklasers.com":   true,
}

// DefaultRules builds the standard rule set from configured deltas and
// limits. Deltas and thresholds are policy knobs; the predicates are fixed.
func DefaultRules(cfg *config.Config) []Rule {
	return []Rule{
		{
			ID:          "amount_high",
			Category:    "amount",
			Description: "transaction amount above the high-amount limit",
			ScoreDelta:  cfg.DeltaHighAmount,
			Action:      ActionNone,
			Predicate: func(in *Input) bool {
				return in.AmountCents >= cfg.HighAmountCents && in.AmountCents < cfg.VeryHighAmountCents
			},
		},
		{
			ID:          "amount_very_high",
			Category:    "amount",
			Description: "transaction amount above the very-high-amount limit",
			ScoreDelta:  cfg.DeltaVeryHighAmount,
			Action:      ActionWarning,
			Predicate: func(in *Input) bool {
				return in.AmountCents >= cfg.VeryHighAmountCents
			},
		},
		{
			ID:          "device_unknown",
			Category:    "device",
			Description: "device fingerprint not seen before",
			ScoreDelta:  cfg.DeltaUnknownDevice,
			Action:      ActionNone,
			Predicate: func(in *Input) bool {
				return in.DeviceFingerprint != "" && !in.DeviceKnown
			},
		},
		{
			ID:          "velocity_burst",
			Category:    "velocity",
			Description: "too many transactions by this user inside the velocity window",
			ScoreDelta:  cfg.DeltaVelocity,
			Action:      ActionBlock,
			Predicate: func(in *Input) bool {
				return in.UserTxnsInWindow >= cfg.VelocityMaxTxns
			},
		},
		{
			ID:          "geo_mismatch",
			Category:    "geo",
			Description: "IP country differs from billing country",
			ScoreDelta:  cfg.DeltaGeoMismatch,
			Action:      ActionNone,
			Predicate: func(in *Input) bool {
				return in.IPCountry != "" && in.BillingCountry != "" &&
					!strings.EqualFold(in.IPCountry, in.BillingCountry)
			},
		},
		{
			ID:          "off_hours",
			Category:    "pattern",
			Description: "transaction during the 02:00-05:59 UTC window",
			ScoreDelta:  cfg.DeltaOffHours,
			Action:      ActionNone,
			Predicate: func(in *Input) bool {
				h := in.Timestamp.UTC().Hour()
				return h >= 2 && h < 6
			},
		},
		{
			ID:          "email_disposable",
			Category:    "identity",
			Description: "email uses a disposable domain",
			ScoreDelta:  cfg.DeltaDisposableEmail,
			Action:      ActionWarning,
			Predicate: func(in *Input) bool {
				at := strings.LastIndex(in.Email, "@")
				if at < 0 {
					return false
				}
				return disposableDomains[strings.ToLower(in.Email[at+1:])]
			},
		},
		{
			ID:          "network_anonymized",
			Category:    "bot",
			Description: "request arrived through a proxy or VPN",
			ScoreDelta:  cfg.DeltaGeoMismatch / 2,
			Action:      ActionNone,
			Predicate: func(in *Input) bool {
				return in.NetworkProxy
			},
		},
		{
			ID:          "network_high_risk",
			Category:    "bot",
			Description: "source network is a known high-risk origin",
			ScoreDelta:  cfg.DeltaGeoMismatch,
			Action:      ActionWarning,
			Predicate: func(in *Input) bool {
				return in.NetworkHighRisk
			},
		},
	}
}
