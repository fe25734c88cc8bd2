package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/blacklist"
	"github.com/mbd888/sentinel/internal/cache"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/ensemble"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/reputation"
	"github.com/mbd888/sentinel/internal/review"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/traces"
)

// Publisher receives completed decisions for the realtime ops feed.
// Implementations must never block the evaluation path.
type Publisher interface {
	PublishDecision(result *Result)
}

// Engine fans a request out to every risk engine under one shared deadline
// and folds the answers into a single decision.
type Engine struct {
	cfg        *config.Config
	blacklist  *blacklist.Service
	rules      *rules.Engine
	velocity   *rules.VelocityTracker
	scorer     *ensemble.Scorer
	mlCache    *cache.Cache
	reputation *reputation.Service
	reviews    *review.Service
	audit      Store
	publisher  Publisher
	logger     *slog.Logger
}

// NewEngine wires the evaluation engine. mlCache, audit and publisher may
// be nil.
func NewEngine(
	cfg *config.Config,
	bl *blacklist.Service,
	re *rules.Engine,
	vel *rules.VelocityTracker,
	scorer *ensemble.Scorer,
	mlCache *cache.Cache,
	rep *reputation.Service,
	reviews *review.Service,
	audit Store,
	publisher Publisher,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		blacklist:  bl,
		rules:      re,
		velocity:   vel,
		scorer:     scorer,
		mlCache:    mlCache,
		reputation: rep,
		reviews:    reviews,
		audit:      audit,
		publisher:  publisher,
		logger:     logger,
	}
}

// fanout collects what the concurrent branches produce. The mutex covers
// every field; branches only write while holding it.
type fanout struct {
	mu sync.Mutex

	blacklistHits map[string]*blacklist.Entry
	ruleSignals   []rules.Signal
	ruleOverride  *rules.Action
	mlScore       int
	mlOK          bool

	timings   map[string]float64
	completed map[string]bool
}

func (f *fanout) finish(engine string, started time.Time) {
	elapsed := time.Since(started)
	metrics.EngineDuration.WithLabelValues(engine).Observe(elapsed.Seconds())
	f.timings[engine] = float64(elapsed.Microseconds()) / 1000.0
	f.completed[engine] = true
}

// Evaluate runs every engine against the request and returns the decision.
// The only error a well-formed caller can see is a ValidationError; every
// dependency failure degrades the score instead.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	ctx, span := traces.StartSpan(ctx, "evaluation.evaluate",
		traces.TransactionID(req.TransactionID), traces.UserID(req.UserID))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluateDeadline)
	defer cancel()

	f := &fanout{
		timings:   make(map[string]float64),
		completed: make(map[string]bool),
	}

	// The rules branch resolves the cached context (reputation, velocity)
	// the ensemble features also need; contextReady hands it over without
	// a second round of lookups.
	type evalContext struct {
		input   rules.Input
		device  reputation.Device
		network reputation.Network
	}
	contextReady := make(chan evalContext, 1)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { // blacklist
		defer wg.Done()
		began := time.Now()
		_, s := traces.StartSpan(ctx, "evaluation.blacklist", traces.EngineName("blacklist"))
		defer s.End()

		hits := e.blacklist.MatchAll(ctx, blacklist.MatchRequest{
			IP:      req.IPAddress,
			Email:   req.email(),
			CardBIN: req.cardBIN(),
			UserID:  req.UserID,
			Phone:   req.phone(),
		})

		f.mu.Lock()
		f.blacklistHits = hits
		f.finish("blacklist", began)
		f.mu.Unlock()
	}()

	go func() { // reputation context + rules
		defer wg.Done()
		began := time.Now()
		_, s := traces.StartSpan(ctx, "evaluation.rules", traces.EngineName("rules"))
		defer s.End()

		repStart := time.Now()
		device := e.reputation.Device(ctx, req.DeviceFingerprint)
		network := e.reputation.Network(ctx, req.IPAddress)
		txns := e.velocity.Observe(ctx, req.UserID)
		repElapsed := time.Since(repStart)
		metrics.EngineDuration.WithLabelValues("reputation").Observe(repElapsed.Seconds())

		input := rules.Input{
			TransactionID:     req.TransactionID,
			UserID:            req.UserID,
			AmountCents:       req.AmountCents,
			Currency:          req.Currency,
			IPAddress:         req.IPAddress,
			Email:             req.email(),
			Phone:             req.phone(),
			CardBIN:           req.cardBIN(),
			DeviceFingerprint: req.DeviceFingerprint,
			Timestamp:         req.Timestamp,
			DeviceKnown:       device.Known,
			NetworkProxy:      network.ProxyOrVPN,
			NetworkHighRisk:   network.HighRiskOrigin,
			IPCountry:         geoCountry(ctx, e.reputation, req.IPAddress),
			BillingCountry:    req.billingCountry(),
			UserTxnsInWindow:  txns,
		}
		contextReady <- evalContext{input: input, device: device, network: network}

		signals, override := e.rules.Evaluate(ctx, &input)

		f.mu.Lock()
		f.ruleSignals = signals
		f.ruleOverride = override
		f.timings["reputation"] = float64(repElapsed.Microseconds()) / 1000.0
		f.completed["reputation"] = true
		f.finish("rules", began)
		f.mu.Unlock()
	}()

	go func() { // ensemble via the batching pipeline
		defer wg.Done()
		began := time.Now()
		_, s := traces.StartSpan(ctx, "evaluation.ensemble", traces.EngineName("ensemble"))
		defer s.End()

		var ec evalContext
		select {
		case ec = <-contextReady:
		case <-ctx.Done():
			return
		}

		emailSig := e.reputation.EmailSignal(ctx, req.email())
		phoneSig := e.reputation.PhoneSignal(ctx, req.phone())
		binSig := e.reputation.BINSignal(ctx, req.cardBIN())

		score, err := e.scoreFeatures(ctx, ensemble.Features{
			AmountCents:      req.AmountCents,
			HourUTC:          req.Timestamp.UTC().Hour(),
			DeviceKnown:      ec.device.Known,
			NetworkProxy:     ec.network.ProxyOrVPN,
			NetworkRiskScore: ec.network.RiskScore,
			GeoMismatch:      mismatch(ec.input.IPCountry, ec.input.BillingCountry),
			TxnsInWindow:     ec.input.UserTxnsInWindow,
			EmailRisk:        emailSig.RiskScore,
			PhoneRisk:        phoneSig.RiskScore,
			BINRisk:          binSig.RiskScore,
		})
		if err != nil {
			// Inference trouble is zero additional risk, never a request
			// failure.
			e.logger.Warn("ensemble scoring unavailable",
				"transaction_id", req.TransactionID, "error", err)
			metrics.DependencyErrorsTotal.WithLabelValues("ensemble").Inc()
			return
		}

		f.mu.Lock()
		f.mlScore = score
		f.mlOK = true
		f.finish("ensemble", began)
		f.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Deadline hit: whatever has not finished contributes zero.
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, engine := range []string{"blacklist", "rules", "ensemble"} {
		if !f.completed[engine] {
			f.timings[engine] = float64(time.Since(start).Microseconds()) / 1000.0
			metrics.EngineTimeoutsTotal.WithLabelValues(engine).Inc()
		}
	}

	result := e.aggregate(req, f, start)

	metrics.EvaluationsTotal.WithLabelValues(string(result.Decision)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.RiskScore(result.RiskScore), traces.Decision(string(result.Decision)))

	e.sideEffects(ctx, req, result)
	return result, nil
}

// scoreFeatures runs the ensemble through the ml_prediction cache: the
// models are deterministic, so an identical feature vector seen within the
// TTL reuses the prior score instead of paying for another inference pass.
func (e *Engine) scoreFeatures(ctx context.Context, features ensemble.Features) (int, error) {
	if e.mlCache == nil {
		return e.scorer.Score(ctx, features)
	}
	var score int
	err := e.mlCache.GetOrFetch(ctx, cache.StrategyMLPrediction, features.Key(), &score,
		func(ctx context.Context) (any, error) {
			return e.scorer.Score(ctx, features)
		})
	return score, err
}

// aggregate folds the fan-out answers into the final result. Caller holds
// the fanout mutex.
func (e *Engine) aggregate(req *Request, f *fanout, start time.Time) *Result {
	var signals []Signal
	score := 0

	for _, rs := range f.ruleSignals {
		score += rs.ScoreDelta
		signals = append(signals, Signal{
			SourceEngine: "rule_engine",
			ScoreDelta:   rs.ScoreDelta,
			Rationale:    fmt.Sprintf("%s: %s", rs.RuleID, rs.Rationale),
		})
	}

	if f.mlOK {
		contribution := int(math.Round(e.cfg.EnsembleWeight * float64(f.mlScore)))
		score += contribution
		signals = append(signals, Signal{
			SourceEngine: "ensemble",
			ScoreDelta:   contribution,
			Rationale:    fmt.Sprintf("weighted ensemble score %d", f.mlScore),
		})
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	blacklisted := len(f.blacklistHits) > 0
	if blacklisted {
		score = 100
		for field, entry := range f.blacklistHits {
			signals = append(signals, Signal{
				SourceEngine: "blacklist",
				ScoreDelta:   100,
				Rationale:    fmt.Sprintf("%s listed: %s", field, entry.Reason),
			})
		}
	}

	level := e.levelFor(score)
	decision := e.decide(score, rules.HasBotSignal(f.ruleSignals))

	switch {
	case blacklisted:
		decision = DecisionBlock
	case f.ruleOverride != nil && *f.ruleOverride == rules.ActionBlock:
		decision = DecisionBlock
	case f.ruleOverride != nil && *f.ruleOverride == rules.ActionManualReview && decision != DecisionBlock:
		decision = DecisionManualReview
	}

	var timedOut []string
	for _, engine := range []string{"blacklist", "rules", "ensemble"} {
		if !f.completed[engine] {
			timedOut = append(timedOut, engine)
		}
	}

	// The result must not alias the fan-out maps: a branch that missed the
	// deadline is still running and will record its timing when it finishes.
	timings := make(map[string]float64, len(f.timings))
	for k, v := range f.timings {
		timings[k] = v
	}

	return &Result{
		ID:                idgen.EvaluationID(),
		TransactionID:     req.TransactionID,
		UserID:            req.UserID,
		RiskScore:         score,
		RiskLevel:         level,
		Decision:          decision,
		RecommendedAction: actionFor(decision),
		Signals:           signals,
		Metadata: Metadata{
			TotalTimeMS:     float64(time.Since(start).Microseconds()) / 1000.0,
			EngineTimingsMS: timings,
			TimedOutEngines: timedOut,
			Timestamp:       time.Now().UTC(),
		},
	}
}

// sideEffects handles everything that happens after the decision is final:
// review enqueue, audit record, realtime publish.
func (e *Engine) sideEffects(ctx context.Context, req *Request, result *Result) {
	if result.RecommendedAction.ManualReviewRequired && e.reviews != nil {
		// The shared deadline may already be spent; reviews get their own.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		_, existed, err := e.reviews.Add(rctx, req.TransactionID, req.UserID,
			result.RiskScore, reviewReason(result))
		if err != nil {
			e.logger.Error("review enqueue failed",
				"transaction_id", req.TransactionID, "error", err)
		} else if !existed {
			e.logger.Info("transaction escalated to review",
				"transaction_id", req.TransactionID, "risk_score", result.RiskScore)
		}
	}

	if e.audit != nil {
		go func(r Result) {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.audit.Record(actx, &r); err != nil {
				e.logger.Warn("audit record failed", "evaluation_id", r.ID, "error", err)
			}
		}(*result)
	}

	if e.publisher != nil {
		e.publisher.PublishDecision(result)
	}
}

func (e *Engine) levelFor(score int) RiskLevel {
	switch {
	case score <= e.cfg.ThresholdLow:
		return RiskLow
	case score <= e.cfg.ThresholdMedium:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func (e *Engine) decide(score int, botSignal bool) Decision {
	switch {
	case score <= e.cfg.ThresholdMedium:
		return DecisionApprove
	case score <= e.cfg.ThresholdHigh:
		if e.cfg.BlockOnBotSignal && botSignal {
			return DecisionBlock
		}
		return DecisionAdditionalAuth
	default:
		return DecisionBlock
	}
}

// actionFor maps a decision to its caller-facing action flags.
func actionFor(d Decision) RecommendedAction {
	switch d {
	case DecisionBlock:
		return RecommendedAction{Action: d, ManualReviewRequired: true}
	case DecisionManualReview:
		return RecommendedAction{Action: d, ManualReviewRequired: true}
	case DecisionAdditionalAuth:
		return RecommendedAction{Action: d, AdditionalAuthRequired: true}
	default:
		return RecommendedAction{Action: DecisionApprove}
	}
}

func reviewReason(result *Result) string {
	for _, s := range result.Signals {
		if s.SourceEngine == "blacklist" {
			return s.Rationale
		}
	}
	return fmt.Sprintf("risk score %d (%s)", result.RiskScore, result.RiskLevel)
}

func mismatch(a, b string) bool {
	return a != "" && b != "" && !strings.EqualFold(a, b)
}

// geoCountry resolves the IP's country through the geoip cache strategy.
// Resolution failure means no geo signal, never an error.
func geoCountry(ctx context.Context, rep *reputation.Service, ip string) string {
	if ip == "" {
		return ""
	}
	return rep.GeoCountry(ctx, ip)
}
