package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/retry"
)

// HTTPProvider queries an external reputation API over HTTP. Calls are
// retried with backoff and guarded by a per-provider circuit breaker so a
// flapping provider cannot stall evaluations.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPProvider creates a provider for the API at baseURL.
// Lookups are GET {baseURL}?value={value}.
func NewHTTPProvider(name, baseURL string, breaker *circuitbreaker.Breaker) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
		breaker: breaker,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Lookup queries the provider. An open circuit and exhausted retries both
// surface as errors; callers are expected to degrade to a neutral signal.
func (p *HTTPProvider) Lookup(ctx context.Context, value string) (*Signal, error) {
	if !p.breaker.Allow(p.name) {
		return nil, fmt.Errorf("reputation provider %s: circuit open", p.name)
	}

	var signal Signal
	err := retry.Do(ctx, 2, 50*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			p.baseURL+"?value="+url.QueryEscape(value), nil)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider %s returned %d", p.name, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Permanent(fmt.Errorf("provider %s returned %d", p.name, resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&signal)
	})
	if err != nil {
		p.breaker.RecordFailure(p.name)
		return nil, err
	}

	p.breaker.RecordSuccess(p.name)
	signal.Source = p.name
	return &signal, nil
}

// OfflineProvider produces deterministic, low-risk signals when no external
// provider is configured. Useful for development and tests.
type OfflineProvider struct {
	name string
}

// NewOfflineProvider creates an offline provider.
func NewOfflineProvider(name string) *OfflineProvider {
	return &OfflineProvider{name: name}
}

func (p *OfflineProvider) Name() string { return p.name }

func (p *OfflineProvider) Lookup(_ context.Context, value string) (*Signal, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	// Deterministic pseudo-score in [0, 0.2): never flags on its own.
	score := float64(h.Sum32()%200) / 1000.0
	return &Signal{Value: value, RiskScore: score, Source: p.name}, nil
}
