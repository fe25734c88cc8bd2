// Package reputation supplies device and network reputation signals to the
// evaluation core.
//
// External providers (email/phone/BIN/IP intelligence APIs) are consumed
// strictly through the cache's fetch-function contract: the evaluation engine
// never talks to a provider directly, and a provider outage degrades to a
// neutral signal instead of an error. Provider calls are wrapped in a retry
// with backoff and a per-provider circuit breaker.
package reputation

import (
	"context"
	"time"
)

// Device describes what is known about a device fingerprint.
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	Known       bool      `json:"known"`
	FirstSeen   time.Time `json:"firstSeen"`
	Evaluations int       `json:"evaluations"`
}

// Network describes the reputation of a client IP.
type Network struct {
	IP             string  `json:"ip"`
	ProxyOrVPN     bool    `json:"proxyOrVpn"`
	HighRiskOrigin bool    `json:"highRiskOrigin"`
	RiskScore      float64 `json:"riskScore"` // 0 (clean) - 1 (hostile)
	ProviderSource string  `json:"providerSource"`
}

// Neutral returns a no-information network reputation for ip.
// Used whenever the provider is unavailable (fail-open).
func Neutral(ip string) Network {
	return Network{IP: ip, ProviderSource: "neutral"}
}

// Signal is the raw response shape shared by the identifier providers
// (email, phone, BIN, IP). Country is only populated by IP providers.
type Signal struct {
	Value     string  `json:"value"`
	RiskFlag  bool    `json:"riskFlag"`
	RiskScore float64 `json:"riskScore"`
	Country   string  `json:"country,omitempty"`
	Source    string  `json:"source"`
}

// Provider looks up the reputation of a single identifier.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, value string) (*Signal, error)
}
