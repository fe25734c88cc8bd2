package reputation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/cache"
	"github.com/mbd888/sentinel/internal/metrics"
)

// Service answers reputation questions for the evaluation engine. Every
// lookup goes through the cache; every provider failure degrades to a
// neutral answer.
type Service struct {
	cache  *cache.Cache
	ip     Provider
	email  Provider
	phone  Provider
	bin    Provider
	logger *slog.Logger
}

// NewService creates a reputation service. Nil providers fall back to
// offline providers.
func NewService(c *cache.Cache, ip, email, phone, bin Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ip == nil {
		ip = NewOfflineProvider("ip-offline")
	}
	if email == nil {
		email = NewOfflineProvider("email-offline")
	}
	if phone == nil {
		phone = NewOfflineProvider("phone-offline")
	}
	if bin == nil {
		bin = NewOfflineProvider("bin-offline")
	}
	return &Service{cache: c, ip: ip, email: email, phone: phone, bin: bin, logger: logger}
}

// Device reports whether a fingerprint has been seen before. A first
// sighting is recorded so the device counts as known on subsequent
// evaluations within the strategy TTL.
func (s *Service) Device(ctx context.Context, fingerprint string) Device {
	if fingerprint == "" {
		return Device{}
	}

	var dev Device
	if s.cache.Get(ctx, cache.StrategyDeviceFingerprint, fingerprint, &dev) {
		dev.Known = true
		dev.Evaluations++
		s.remember(ctx, cache.StrategyDeviceFingerprint, fingerprint, dev)
		return dev
	}

	dev = Device{Fingerprint: fingerprint, FirstSeen: time.Now().UTC(), Evaluations: 1}
	s.remember(ctx, cache.StrategyDeviceFingerprint, fingerprint, dev)
	return dev // Known stays false: first sighting
}

// Network returns the reputation of an IP, cached for the network strategy
// TTL. Provider failure yields a neutral reputation.
func (s *Service) Network(ctx context.Context, ip string) Network {
	if ip == "" {
		return Neutral(ip)
	}

	var net Network
	err := s.cache.GetOrFetch(ctx, cache.StrategyNetworkReputation, ip, &net,
		func(ctx context.Context) (any, error) {
			sig, err := s.ip.Lookup(ctx, ip)
			if err != nil {
				return nil, err
			}
			return Network{
				IP:             ip,
				ProxyOrVPN:     sig.RiskFlag,
				HighRiskOrigin: sig.RiskScore >= 0.8,
				RiskScore:      sig.RiskScore,
				ProviderSource: sig.Source,
			}, nil
		})
	if err != nil {
		s.logger.Warn("network reputation unavailable, using neutral", "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues("reputation_ip").Inc()
		return Neutral(ip)
	}
	return net
}

// GeoCountry resolves an IP to its country code through the geoip cache
// strategy. Unknown or unresolvable IPs return "" — no geo signal, never an
// error.
func (s *Service) GeoCountry(ctx context.Context, ip string) string {
	if ip == "" {
		return ""
	}

	var country string
	err := s.cache.GetOrFetch(ctx, cache.StrategyGeoIP, ip, &country,
		func(ctx context.Context) (any, error) {
			sig, err := s.ip.Lookup(ctx, ip)
			if err != nil {
				return nil, err
			}
			return sig.Country, nil
		})
	if err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("reputation_geoip").Inc()
		return ""
	}
	return country
}

// EmailSignal returns the reputation of an email address (cached, neutral
// on failure).
func (s *Service) EmailSignal(ctx context.Context, email string) Signal {
	return s.identifierSignal(ctx, s.email, "reputation_email", email)
}

// PhoneSignal returns the reputation of a phone number (cached, neutral
// on failure).
func (s *Service) PhoneSignal(ctx context.Context, phone string) Signal {
	return s.identifierSignal(ctx, s.phone, "reputation_phone", phone)
}

// BINSignal returns the reputation of a card BIN (cached, neutral on failure).
func (s *Service) BINSignal(ctx context.Context, bin string) Signal {
	return s.identifierSignal(ctx, s.bin, "reputation_bin", bin)
}

func (s *Service) identifierSignal(ctx context.Context, p Provider, metric, value string) Signal {
	if value == "" {
		return Signal{Value: value, Source: "neutral"}
	}

	var sig Signal
	err := s.cache.GetOrFetch(ctx, cache.StrategyNetworkReputation, p.Name()+":"+value, &sig,
		func(ctx context.Context) (any, error) {
			got, err := p.Lookup(ctx, value)
			if err != nil {
				return nil, err
			}
			return *got, nil
		})
	if err != nil {
		s.logger.Warn("reputation provider unavailable, using neutral",
			"provider", p.Name(), "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues(metric).Inc()
		return Signal{Value: value, Source: "neutral"}
	}
	return sig
}

func (s *Service) remember(ctx context.Context, strategy cache.Strategy, key string, value any) {
	// Best-effort write through GetOrFetch's underlying store semantics:
	// losing the write only means the device looks new again next time.
	if err := s.cache.Put(ctx, strategy, key, value); err != nil {
		s.logger.Warn("device reputation write failed", "error", err)
	}
}
