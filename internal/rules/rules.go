// Package rules implements the deterministic rule engine of the evaluation
// pipeline.
//
// Rules are pure predicates over the request plus cached context: matching
// never performs I/O. Every match emits a signal for the audit trail; a match
// whose action is block forces the final decision regardless of the numeric
// aggregate, but the other engines still run so the trail stays complete.
// No match is the default and never raises risk.
package rules

import (
	"context"
	"errors"
	"time"
)

// Action is what a matching rule asks the decision layer to do.
type Action string

const (
	ActionNone         Action = "none"
	ActionWarning      Action = "warning"
	ActionManualReview Action = "manual_review"
	ActionBlock        Action = "block"
)

// severity orders actions so the engine can keep the strongest override.
func (a Action) severity() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionManualReview:
		return 2
	case ActionWarning:
		return 1
	default:
		return 0
	}
}

// Input is the view of a transaction the predicates evaluate against:
// request fields plus context already resolved from cache and counters.
type Input struct {
	TransactionID     string
	UserID            string
	AmountCents       int64
	Currency          string
	IPAddress         string
	Email             string
	Phone             string
	CardBIN           string
	DeviceFingerprint string
	Timestamp         time.Time

	// Cached context
	DeviceKnown     bool
	NetworkProxy    bool
	NetworkHighRisk bool
	IPCountry       string
	BillingCountry  string

	// Transactions by the same user inside the velocity window,
	// including this one.
	UserTxnsInWindow int64
}

// Rule is one active rule.
type Rule struct {
	ID          string
	Category    string
	Description string
	Predicate   func(*Input) bool
	ScoreDelta  int
	Action      Action
}

// Signal records a single rule match for audit/XAI.
type Signal struct {
	RuleID     string `json:"ruleId"`
	Category   string `json:"category"`
	ScoreDelta int    `json:"scoreDelta"`
	Rationale  string `json:"rationale"`
	Action     Action `json:"action"`
}

// ErrNoActiveRules is returned when an engine is constructed with zero rules.
// This is a startup-time configuration error, never a per-request one.
var ErrNoActiveRules = errors.New("rule engine requires at least one active rule")

// Engine evaluates the active rule set with a linear scan.
type Engine struct {
	rules []Rule
}

// NewEngine creates a rule engine. An empty rule set is a fatal
// configuration error.
func NewEngine(active []Rule) (*Engine, error) {
	if len(active) == 0 {
		return nil, ErrNoActiveRules
	}
	rs := make([]Rule, len(active))
	copy(rs, active)
	return &Engine{rules: rs}, nil
}

// Rules returns the active rules.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs the active rules against input, optionally filtered by
// category. It returns one signal per match and, when any match carries an
// action stronger than none, the strongest such action as the override.
func (e *Engine) Evaluate(ctx context.Context, input *Input, categories ...string) ([]Signal, *Action) {
	var filter map[string]bool
	if len(categories) > 0 {
		filter = make(map[string]bool, len(categories))
		for _, c := range categories {
			filter[c] = true
		}
	}

	var signals []Signal
	var override *Action

	for i := range e.rules {
		r := &e.rules[i]
		if filter != nil && !filter[r.Category] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !r.Predicate(input) {
			continue
		}

		signals = append(signals, Signal{
			RuleID:     r.ID,
			Category:   r.Category,
			ScoreDelta: r.ScoreDelta,
			Rationale:  r.Description,
			Action:     r.Action,
		})

		if r.Action != ActionNone && (override == nil || r.Action.severity() > override.severity()) {
			a := r.Action
			override = &a
		}
	}

	return signals, override
}

// HasBotSignal reports whether any signal came from a bot-category rule.
// Used by the decision layer's bot-detection policy.
func HasBotSignal(signals []Signal) bool {
	for _, s := range signals {
		if s.Category == "bot" {
			return true
		}
	}
	return false
}
