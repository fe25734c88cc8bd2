// Package circuitbreaker keeps failing reputation providers from being
// hammered while they are down. Each provider gets its own circuit, keyed
// by provider name; a tripped circuit makes lookups degrade to neutral
// answers instead of queueing behind a dead upstream.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults sized for reputation provider outages: a handful of consecutive
// failures is a real outage, and thirty seconds is long enough for a
// provider restart to land.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// State represents the circuit state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var providerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions per reputation provider.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(providerTransitions)
}

// circuit is the per-provider record. open and probing together encode the
// state: probing wins, then open, otherwise closed.
type circuit struct {
	consecutiveFails int
	openedAt         time.Time
	open             bool
	probing          bool
}

func (c *circuit) state() State {
	switch {
	case c.probing:
		return StateHalfOpen
	case c.open:
		return StateOpen
	default:
		return StateClosed
	}
}

// transition is a recorded state change, fired after the lock is released.
type transition struct {
	provider string
	from, to State
}

// Breaker tracks one circuit per provider. It trips open after threshold
// consecutive failures and admits a single probe once the cooldown has
// elapsed; the probe's outcome decides whether the circuit closes again.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	threshold int
	cooldown  time.Duration

	// Invoked synchronously on every state change. Must not call back into
	// the breaker.
	onTransition func(provider string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to the provider
// defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// OnTransition sets the state-change callback.
func (b *Breaker) OnTransition(fn func(provider string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to the provider should proceed. An open
// circuit whose cooldown has elapsed admits exactly one probe request.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	c, ok := b.circuits[provider]
	if !ok {
		b.mu.Unlock()
		return true // Never failed: closed
	}

	var allowed bool
	var tr *transition
	switch {
	case c.probing:
		allowed = false // A probe is already in flight
	case c.open:
		if time.Since(c.openedAt) >= b.cooldown {
			c.open = false
			c.probing = true
			tr = &transition{provider, StateOpen, StateHalfOpen}
			allowed = true
		}
	default:
		allowed = true
	}
	fn := b.onTransition
	b.mu.Unlock()

	b.fire(fn, tr)
	return allowed
}

// RecordSuccess notes a successful request: the failure streak resets, and
// a successful probe closes the circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	c, ok := b.circuits[provider]
	if !ok {
		b.mu.Unlock()
		return
	}

	var tr *transition
	c.consecutiveFails = 0
	if c.probing {
		c.probing = false
		tr = &transition{provider, StateHalfOpen, StateClosed}
	}
	fn := b.onTransition
	b.mu.Unlock()

	b.fire(fn, tr)
}

// RecordFailure notes a failed request. A failed probe reopens the circuit
// immediately; on a closed circuit the threshold-th consecutive failure
// trips it.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}

	var tr *transition
	c.consecutiveFails++
	switch {
	case c.probing:
		c.probing = false
		c.open = true
		c.openedAt = time.Now()
		tr = &transition{provider, StateHalfOpen, StateOpen}
	case !c.open && c.consecutiveFails >= b.threshold:
		c.open = true
		c.openedAt = time.Now()
		tr = &transition{provider, StateClosed, StateOpen}
	}
	fn := b.onTransition
	b.mu.Unlock()

	b.fire(fn, tr)
}

// State returns the provider's current circuit state. Unknown providers
// are closed.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[provider]
	if !ok {
		return StateClosed
	}
	return c.state()
}

func (b *Breaker) fire(fn func(string, State, State), tr *transition) {
	if tr == nil {
		return
	}
	providerTransitions.WithLabelValues(tr.provider, tr.from.String(), tr.to.String()).Inc()
	if fn != nil {
		fn(tr.provider, tr.from, tr.to)
	}
}
