// Package orchestrator implements the fraud orchestrator: the
// per-event pipeline that drives reputation, velocity, ML, and vector
// similarity lookups, fuses their outputs into a risk score and
// confidence, selects a decision, optionally escalates to the agent
// runtime, and triggers the side effects that keep later events
// consistent.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/guards"
	"github.com/enterprise/fraud-orchestrator/internal/knowledge"
	"github.com/enterprise/fraud-orchestrator/internal/mlscore"
	"github.com/enterprise/fraud-orchestrator/internal/velocity"
)

// MemoryStore is the subset of internal/memstore.Store the pipeline
// depends on, named here so tests can supply a fake.
type MemoryStore interface {
	GetUserReputation(ctx context.Context, userID string) (*fraud.UserReputation, error)
	GetIPReputation(ctx context.Context, ip string) (*fraud.IPReputation, error)
	FlagUser(ctx context.Context, userID string, reason fraud.FlagReason, ttl time.Duration) error
	RecordManualReview(ctx context.Context, userID string) error
	TouchIP(ctx context.Context, ip string, fraudCase bool, ttl time.Duration) error
	RecordTransaction(ctx context.Context, userID, orderID string, amount float64, ts time.Time, window time.Duration) error
	GetVelocityWindow(ctx context.Context, userID string, windowSec time.Duration) ([]fraud.VelocityEntry, error)
	SeenOrder(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	CacheDecision(ctx context.Context, orderID string, record *fraud.DecisionRecord, ttl time.Duration) error
	GetCachedDecision(ctx context.Context, orderID string) (*fraud.DecisionRecord, error)
}

// KnowledgeBase is the subset of internal/knowledge.Store the pipeline
// depends on.
type KnowledgeBase interface {
	Search(ctx context.Context, vector []float32) ([]knowledge.Hit, error)
	Insert(ctx context.Context, pattern fraud.FraudPattern) error
}

// MLScorer is the subset of internal/mlscore.Adapter the pipeline
// depends on.
type MLScorer interface {
	Score(ctx context.Context, event fraud.TransactionEvent, stats mlscore.UserStats) (float64, error)
}

// AgentRunner drives the three-role investigation state machine.
// Implemented by internal/agents.Runtime; expressed here as an
// interface so the orchestrator never imports the agent package (the
// agent package imports the orchestrator's exported pre-agent summary
// instead).
type AgentRunner interface {
	Run(ctx context.Context, event fraud.TransactionEvent, pre PreAgentResult) (*fraud.AgentTrace, error)
}

// PreAgentResult is the orchestrator's fused output before agent
// escalation, handed to the agent runtime as investigative context and
// as the fallback result if agents fail or are skipped.
type PreAgentResult struct {
	Score               float64
	Confidence          float64
	Coverage            float64
	Decision            fraud.Decision
	ContributingFactors []fraud.ContributingFactor
	UserReputation      fraud.UserReputation
	IPReputation        fraud.IPReputation
	VelocityFindings    []velocity.Finding
	SimilarHits         []knowledge.Hit
}

// Config carries the triage thresholds, TTLs, and stage deadlines the
// pipeline needs (a trimmed view of configs.Config, so this package
// never imports configs).
type Config struct {
	Thresholds Thresholds

	KBLearnThreshold float64
	VelocityWindow   time.Duration
	UserFlagTTL      time.Duration
	IPFlagTTL        time.Duration
	OrderSeenTTL     time.Duration

	MemoryDeadline   time.Duration
	KBDeadline       time.Duration
	MLDeadline       time.Duration
	PipelineDeadline time.Duration

	UseAgents bool
}

// Observer receives per-stage latency and decision-count events for
// the metrics exposition. Implemented by healthsrv.Metrics; nil
// observers are ignored.
type Observer interface {
	ObserveStage(stage string, elapsed time.Duration)
	CountDecision(decision string)
}

// Embedder turns a human-readable transaction description into a
// vector for the knowledge-base similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pipeline is the wired Fraud Orchestrator.
type Pipeline struct {
	cfg      Config
	store    MemoryStore
	kb       KnowledgeBase
	embedder Embedder
	ml       MLScorer
	breakers *guards.BreakerRegistry
	agents   AgentRunner
	observer Observer
}

// New builds a Pipeline. agents may be nil, in which case agent
// escalation is always skipped regardless of score (equivalent to
// USE_AGENTS=false).
func New(cfg Config, store MemoryStore, kb KnowledgeBase, embedder Embedder, ml MLScorer, breakers *guards.BreakerRegistry, agents AgentRunner) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, kb: kb, embedder: embedder, ml: ml, breakers: breakers, agents: agents}
}

// SetObserver attaches the metrics observer; safe to leave unset in
// tests.
func (p *Pipeline) SetObserver(o Observer) {
	p.observer = o
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveStage(stage, time.Since(start))
	}
}

// Outcome wraps the decision record with whether it was a replay of a
// prior decision for the same order_id, so callers (bus/decisionstore)
// know not to re-emit or re-persist.
type Outcome struct {
	Record    *fraud.DecisionRecord
	Duplicate bool
}

// Process runs one transaction event through the full pipeline:
// validate, reputation, velocity, ML, similarity, fusion, triage,
// optional agent escalation, and side effects. It returns the decision
// record; emitting it to the bus and durable store is left to the
// caller (the worker pool's ResultSink).
func (p *Pipeline) Process(ctx context.Context, event fraud.TransactionEvent) (Outcome, error) {
	start := time.Now()

	if p.cfg.PipelineDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PipelineDeadline)
		defer cancel()
	}

	if err := validate(event); err != nil {
		record := p.manualReviewForInvalidEvent(event, start)
		p.countDecision(record.Decision)
		return Outcome{Record: record}, nil
	}

	duplicate, err := p.store.SeenOrder(ctx, event.OrderID, p.cfg.OrderSeenTTL)
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("idempotency check failed, proceeding as new event")
	}
	if duplicate {
		cached, err := p.store.GetCachedDecision(ctx, event.OrderID)
		if err == nil && cached != nil {
			return Outcome{Record: cached, Duplicate: true}, nil
		}
		log.Warn().Str("order_id", event.OrderID).Msg("marked duplicate but no cached decision found, reprocessing")
	}

	// Stage 1: reputation lookup, guarded by the memory collaborator's
	// circuit breaker.
	stageStart := time.Now()
	memCtx, memCancel := context.WithTimeout(ctx, p.cfg.MemoryDeadline)
	userRes, userErr := p.guarded(memCtx, guards.CollaboratorMemory, func(ctx context.Context) (any, error) {
		return p.store.GetUserReputation(ctx, event.UserID)
	})
	ipRes, ipErr := p.guarded(memCtx, guards.CollaboratorMemory, func(ctx context.Context) (any, error) {
		return p.store.GetIPReputation(ctx, event.IPAddress)
	})
	memCancel()
	user, ok := userRes.(*fraud.UserReputation)
	if !ok || userErr != nil {
		user = &fraud.UserReputation{UserID: event.UserID}
	}
	ip, ok := ipRes.(*fraud.IPReputation)
	if !ok || ipErr != nil {
		ip = &fraud.IPReputation{IPAddress: event.IPAddress}
	}
	historicalCovered := userErr == nil && ipErr == nil
	p.observeStage("reputation", stageStart)

	// Stage 2: velocity check. Detection stages run even for an already
	// hard-flagged user so evidence keeps accumulating after triage is
	// effectively decided.
	stageStart = time.Now()
	velCtx, velCancel := context.WithTimeout(ctx, p.cfg.MemoryDeadline)
	windowRes, velErr := p.guarded(velCtx, guards.CollaboratorMemory, func(ctx context.Context) (any, error) {
		return p.store.GetVelocityWindow(ctx, event.UserID, p.cfg.VelocityWindow)
	})
	velCancel()
	window, _ := windowRes.([]fraud.VelocityEntry)
	velocityCovered := velErr == nil
	findings := velocity.Detect(window, event)
	velocitySignal := velocity.Signal(findings)
	stats := computeRollingStats(window)
	p.observeStage("velocity", stageStart)

	// Stage 3: ML score, guarded by the ML collaborator's breaker.
	stageStart = time.Now()
	mlCtx, mlCancel := context.WithTimeout(ctx, p.cfg.MLDeadline)
	mlRes, mlErr := p.guarded(mlCtx, guards.CollaboratorML, func(ctx context.Context) (any, error) {
		return p.ml.Score(ctx, event, mlscore.UserStats{
			RollingMeanAmount: stats.mean,
			RollingCount:      stats.count,
			RollingStdDev:     stats.stddev,
		})
	})
	mlCancel()
	if mlErr != nil && fraud.KindOf(mlErr) == fraud.Fatal {
		return Outcome{}, mlErr
	}
	mlScore, _ := mlRes.(float64)
	mlCovered := mlErr == nil
	p.observeStage("ml", stageStart)

	// Stage 4: vector similarity query, guarded by the KB collaborator's
	// breaker (embedding + search both count as one KB-stage attempt).
	stageStart = time.Now()
	kbCtx, kbCancel := context.WithTimeout(ctx, p.cfg.KBDeadline)
	hits, simCovered := p.searchSimilarCases(kbCtx, event)
	kbCancel()
	similarCaseSignal, similarEvidence := weightedSimilarity(hits)
	p.observeStage("similarity", stageStart)

	anomaly, anomalyEvidence := anomalySignal(event, stats)
	historical, historicalEvidence := historicalSignal(*user, *ip)

	sig := signals{
		ml:                mlScore,
		velocity:          velocitySignal,
		historical:        historical,
		similarCase:       similarCaseSignal,
		anomaly:           anomaly,
		mlCovered:         mlCovered,
		velocityCovered:   velocityCovered,
		historicalCovered: historicalCovered,
		similarCovered:    simCovered,
	}

	// When every external signal soft-failed there is nothing to fuse;
	// the record is MANUAL_REVIEW with confidence 0 rather than a low
	// score passing as a clean approval. The user is not flagged --
	// this reflects infrastructure loss, not transaction risk.
	if !sig.mlCovered && !sig.velocityCovered && !sig.historicalCovered && !sig.similarCovered {
		record := &fraud.DecisionRecord{
			OrderID:    event.OrderID,
			Decision:   fraud.ManualReview,
			RiskScore:  0,
			Confidence: 0,
			ContributingFactors: []fraud.ContributingFactor{
				{FactorName: "insufficient_signal", Impact: 0, Evidence: "all detection signals soft-failed"},
			},
			ElapsedMs: time.Since(start).Milliseconds(),
			DecidedAt: time.Now().UTC(),
		}
		if err := p.store.RecordTransaction(ctx, event.UserID, event.OrderID, event.Amount, event.Timestamp, p.cfg.VelocityWindow); err != nil {
			log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to append velocity window entry")
		}
		if err := p.store.CacheDecision(ctx, event.OrderID, record, p.cfg.OrderSeenTTL); err != nil {
			log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to cache decision for idempotent replay")
		}
		p.countDecision(record.Decision)
		return Outcome{Record: record}, nil
	}

	score := fuse(sig)
	factors := buildContributingFactors(sig, findings, similarEvidence, historicalEvidence, anomalyEvidence)
	conf := confidence(sig, allSeverities(factors))
	cov := coverage(sig)

	in := triageInput{
		score:               score,
		confidence:          conf,
		coverage:            cov,
		hardFlagged:         user.Flagged || ip.Flagged,
		priorConfirmedFraud: user.Flagged && user.FraudCount > 0,
		highSeverityFactors: countHighSeverityFactors(factors),
		rapidFireDetected:   rapidFireDetected(findings),
		firstTimeUser:       isFirstTimeUser(window, *user),
		amount:              event.Amount,
	}

	decision := ladderDecision(in, p.cfg.Thresholds)
	pre := PreAgentResult{
		Score:               score,
		Confidence:          conf,
		Coverage:            cov,
		Decision:            decision,
		ContributingFactors: factors,
		UserReputation:      *user,
		IPReputation:        *ip,
		VelocityFindings:    findings,
		SimilarHits:         hits,
	}

	var trace *fraud.AgentTrace
	if p.cfg.UseAgents && p.agents != nil && shouldRunAgents(in, p.cfg.Thresholds) {
		agentTrace, err := p.agents.Run(ctx, event, pre)
		switch {
		case err == nil && agentTrace != nil:
			trace = agentTrace
			if trace.Decision != nil {
				decision = trace.Decision.Decision
			}
		case fraud.KindOf(err) == fraud.RateLimited:
			trace = &fraud.AgentTrace{Status: "skipped_rate_limit"}
		default:
			trace = &fraud.AgentTrace{Status: "failed"}
			log.Warn().Err(err).Str("order_id", event.OrderID).Msg("agent investigation failed, falling back to triage result")
		}
	}

	decision, overrideReasons := applyOverrides(decision, in)
	for _, r := range overrideReasons {
		factors = append(factors, fraud.ContributingFactor{FactorName: r, Impact: 1.0, Evidence: "override"})
	}

	record := &fraud.DecisionRecord{
		OrderID:             event.OrderID,
		Decision:            decision,
		RiskScore:           score,
		Confidence:          conf,
		ContributingFactors: factors,
		AgentTrace:          trace,
		ElapsedMs:           time.Since(start).Milliseconds(),
		DecidedAt:           time.Now().UTC(),
	}

	p.applySideEffects(ctx, event, record, score, in.rapidFireDetected)
	p.countDecision(record.Decision)

	return Outcome{Record: record}, nil
}

func (p *Pipeline) countDecision(d fraud.Decision) {
	if p.observer != nil {
		p.observer.CountDecision(string(d))
	}
}

func (p *Pipeline) searchSimilarCases(ctx context.Context, event fraud.TransactionEvent) ([]knowledge.Hit, bool) {
	text := describeEvent(event)
	vector, err := p.embedder.Embed(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("embedding failed, skipping similarity search")
		return nil, false
	}
	res, err := p.guarded(ctx, guards.CollaboratorKB, func(ctx context.Context) (any, error) {
		return p.kb.Search(ctx, vector)
	})
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("knowledge base search failed")
		return nil, false
	}
	hits, _ := res.([]knowledge.Hit)
	return hits, true
}

// guarded routes an external call through the named collaborator's
// circuit breaker when one is configured; with no breaker registry
// (e.g. in unit tests) it calls fn directly.
func (p *Pipeline) guarded(ctx context.Context, c guards.Collaborator, fn func(ctx context.Context) (any, error)) (any, error) {
	if p.breakers == nil {
		return fn(ctx)
	}
	return p.breakers.Execute(ctx, c, fn)
}

func amountRange(amount float64) string {
	switch {
	case amount < 10:
		return "0-10"
	case amount < 100:
		return "10-100"
	case amount < 1000:
		return "100-1000"
	default:
		return "1000+"
	}
}

func describeEvent(event fraud.TransactionEvent) string {
	return fmt.Sprintf("$%.2f in %s via %s, shipping %s billing %s",
		event.Amount, event.Currency, event.PaymentMethod, event.ShippingCountry, event.BillingCountry)
}

// weightedSimilarity reduces the top-k similarity hits to one signal:
// the mean of their cosine similarities, weighted by each hit's
// severity.
func weightedSimilarity(hits []knowledge.Hit) (float64, []string) {
	if len(hits) == 0 {
		return 0, nil
	}
	var weightedSum, weightTotal float64
	var evidence []string
	for _, h := range hits {
		w := severityWeight(string(h.Pattern.Severity))
		weightedSum += h.Similarity * w
		weightTotal += w
		evidence = append(evidence, string(h.Pattern.Severity))
	}
	if weightTotal == 0 {
		return 0, evidence
	}
	return weightedSum / weightTotal, evidence
}

func buildContributingFactors(sig signals, findings []velocity.Finding, similarEvidence, historicalEvidence, anomalyEvidence []string) []fraud.ContributingFactor {
	var factors []fraud.ContributingFactor
	for _, f := range findings {
		factors = append(factors, fraud.ContributingFactor{
			FactorName: string(f.Pattern),
			Impact:     velocity.Weight[f.Pattern],
			Evidence:   fmt.Sprintf("%d supporting events", len(f.Evidence)),
		})
	}
	for _, e := range historicalEvidence {
		factors = append(factors, fraud.ContributingFactor{FactorName: e, Impact: sig.historical, Evidence: "reputation record"})
	}
	for _, e := range anomalyEvidence {
		factors = append(factors, fraud.ContributingFactor{FactorName: e, Impact: sig.anomaly, Evidence: "transaction anomaly"})
	}
	if sig.mlCovered {
		factors = append(factors, fraud.ContributingFactor{FactorName: "ml_score", Impact: sig.ml, Evidence: "model prediction"})
	}
	for i, sev := range similarEvidence {
		factors = append(factors, fraud.ContributingFactor{FactorName: "similar_case", Impact: severityWeight(sev), Evidence: fmt.Sprintf("knowledge base hit %d", i+1)})
	}
	return factors
}

func allSeverities(factors []fraud.ContributingFactor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, severityFromImpact(f.Impact))
	}
	return out
}

func severityFromImpact(impact float64) string {
	switch {
	case impact >= 1.0:
		return "critical"
	case impact >= 0.75:
		return "high"
	case impact >= 0.5:
		return "med"
	case impact > 0:
		return "low"
	default:
		return ""
	}
}

// applySideEffects runs the cross-transaction updates after a
// decision: learned-pattern insertion, user flagging, IP reputation
// touch, velocity window append, and decision caching for idempotent
// replay.
func (p *Pipeline) applySideEffects(ctx context.Context, event fraud.TransactionEvent, record *fraud.DecisionRecord, score float64, rapidFire bool) {
	if record.Decision == fraud.Block && score >= p.cfg.KBLearnThreshold {
		pattern := fraud.FraudPattern{
			ID:                 uuid.NewString(),
			Description:        describeEvent(event),
			FraudType:          "learned_" + event.OrderID,
			Severity:           fraud.SeverityHigh,
			Source:             fraud.SourceLearned,
			ExampleAmountRange: amountRange(event.Amount),
			CreatedAt:          time.Now().UTC(),
		}
		if vector, err := p.embedder.Embed(ctx, pattern.Description); err == nil {
			pattern.Vector = vector
			if err := p.kb.Insert(ctx, pattern); err != nil {
				log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to insert learned pattern")
			}
		}
	}

	if record.Decision == fraud.Block || record.Decision == fraud.ManualReview {
		reason := fraud.ReasonHighRiskScore
		if rapidFire {
			reason = fraud.ReasonRapidFire
		}
		if err := p.store.FlagUser(ctx, event.UserID, reason, p.cfg.UserFlagTTL); err != nil {
			log.Warn().Err(err).Str("user_id", event.UserID).Msg("failed to flag user")
		}
	}
	if record.Decision == fraud.ManualReview {
		if err := p.store.RecordManualReview(ctx, event.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", event.UserID).Msg("failed to record manual review")
		}
	}

	if event.IPAddress != "" {
		if err := p.store.TouchIP(ctx, event.IPAddress, record.Decision == fraud.Block, p.cfg.IPFlagTTL); err != nil {
			log.Warn().Err(err).Str("ip", event.IPAddress).Msg("failed to update ip reputation")
		}
	}

	if err := p.store.RecordTransaction(ctx, event.UserID, event.OrderID, event.Amount, event.Timestamp, p.cfg.VelocityWindow); err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to append velocity window entry")
	}

	if err := p.store.CacheDecision(ctx, event.OrderID, record, p.cfg.OrderSeenTTL); err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to cache decision for idempotent replay")
	}
}

func validate(event fraud.TransactionEvent) error {
	if event.OrderID == "" || event.UserID == "" {
		return fraud.Wrap(fraud.InvalidEvent, fmt.Errorf("missing order_id or user_id"))
	}
	if event.Amount < 0 {
		return fraud.Wrap(fraud.InvalidEvent, fmt.Errorf("negative amount"))
	}
	if event.Timestamp.IsZero() {
		return fraud.Wrap(fraud.InvalidEvent, fmt.Errorf("missing timestamp"))
	}
	return nil
}

func (p *Pipeline) manualReviewForInvalidEvent(event fraud.TransactionEvent, start time.Time) *fraud.DecisionRecord {
	return &fraud.DecisionRecord{
		OrderID:    event.OrderID,
		Decision:   fraud.ManualReview,
		RiskScore:  0,
		Confidence: 0,
		ContributingFactors: []fraud.ContributingFactor{
			{FactorName: "malformed_event", Impact: 0, Evidence: "schema validation failure"},
		},
		ElapsedMs: time.Since(start).Milliseconds(),
		DecidedAt: time.Now().UTC(),
	}
}
