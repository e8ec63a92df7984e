// Package agents implements the three-role investigation runtime: a
// fixed INIT -> INVESTIGATING -> SCORING -> DECIDING -> DONE/FAILED
// state machine, each role a single LLM turn that may call a bounded
// number of tools before producing structured output.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/orchestrator"
)

// state names the investigation state machine's positions.
type state string

const (
	stateInit          state = "INIT"
	stateInvestigating state = "INVESTIGATING"
	stateScoring       state = "SCORING"
	stateDeciding      state = "DECIDING"
	stateDone          state = "DONE"
	stateFailed        state = "FAILED"
)

// RateLimiter is the subset of guards.LLMRateLimiter the runtime needs;
// named here so the agent package never imports guards directly.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Config bounds a single role's tool-calling loop and the whole
// investigation's wall-clock.
type Config struct {
	ToolCallBudget int
	RoleDeadline   time.Duration
	RunDeadline    time.Duration
	MaxTokens      int
	VelocityWindow time.Duration
}

// Runtime drives the three-role investigation over a pluggable LLM and
// component set, implementing orchestrator.AgentRunner.
type Runtime struct {
	llm      LLM
	limiter  RateLimiter
	store    orchestrator.MemoryStore
	kb       orchestrator.KnowledgeBase
	embedder orchestrator.Embedder
	cfg      Config
}

// NewRuntime builds a Runtime. limiter may be nil to disable rate
// limiting (e.g. in tests with a fake LLM).
func NewRuntime(llm LLM, limiter RateLimiter, store orchestrator.MemoryStore, kb orchestrator.KnowledgeBase, embedder orchestrator.Embedder, cfg Config) *Runtime {
	return &Runtime{llm: llm, limiter: limiter, store: store, kb: kb, embedder: embedder, cfg: cfg}
}

// Run executes INVESTIGATING -> SCORING -> DECIDING in sequence for
// one escalated event, handing each role's structured output to the
// next. Any role producing malformed output or exhausting its budget
// moves the machine to FAILED; the caller (orchestrator.Pipeline)
// falls back to the pre-agent triage result in that case.
func (r *Runtime) Run(ctx context.Context, event fraud.TransactionEvent, pre orchestrator.PreAgentResult) (*fraud.AgentTrace, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunDeadline)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(runCtx); err != nil {
			return nil, err
		}
	}

	st := stateInit
	tools := newToolset(r.store, r.kb, r.embedder, event, pre, r.cfg.VelocityWindow)

	st = stateInvestigating
	report, err := r.runInvestigation(runCtx, tools)
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Str("state", string(st)).Msg("agent investigation role failed")
		return nil, fraud.Wrap(fraud.AgentMalformed, err)
	}

	st = stateScoring
	risk, err := r.runRisk(runCtx, tools, report)
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Str("state", string(st)).Msg("agent risk role failed")
		return nil, fraud.Wrap(fraud.AgentMalformed, err)
	}

	st = stateDeciding
	decision, err := r.runDecision(runCtx, tools, risk, event)
	if err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Str("state", string(st)).Msg("agent decision role failed")
		return nil, fraud.Wrap(fraud.AgentMalformed, err)
	}

	st = stateDone
	_ = st
	return &fraud.AgentTrace{
		Status:        "completed",
		Investigation: report,
		Risk:          risk,
		Decision:      decision,
	}, nil
}

// runInvestigation runs the Investigation role's bounded tool-calling
// loop and parses its final JSON report.
func (r *Runtime) runInvestigation(ctx context.Context, t *toolset) (*fraud.InvestigationReport, error) {
	names := []string{"fraud_history", "user_reputation", "similar_cases", "velocity_check", "transaction_analysis"}
	text, err := r.runRoleLoop(ctx, investigationSystemPrompt, names, t, "Investigate this transaction and produce your report.")
	if err != nil {
		return nil, err
	}
	var report fraud.InvestigationReport
	if err := parseJSONObject(text, &report); err != nil {
		return nil, fmt.Errorf("parse investigation report: %w", err)
	}
	return &report, nil
}

// runRisk runs the Risk role over the Investigation report. The role
// has no tool surface; it reasons over the report and the pre-computed
// signal breakdown handed to it in the user turn.
func (r *Runtime) runRisk(ctx context.Context, t *toolset, report *fraud.InvestigationReport) (*fraud.RiskAssessment, error) {
	reportJSON, _ := json.Marshal(report)
	breakdown := fraud.SignalBreakdown{
		MLWeight:          orchestrator.WeightML,
		VelocityWeight:    orchestrator.WeightVelocity,
		HistoricalWeight:  orchestrator.WeightHistorical,
		SimilarCaseWeight: orchestrator.WeightSimilarCase,
		AnomalyWeight:     orchestrator.WeightAnomaly,
	}
	breakdownJSON, _ := json.Marshal(breakdown)
	prompt := fmt.Sprintf("Investigation report:\n%s\n\nBaseline weight breakdown:\n%s\n\nProduce your risk assessment.", reportJSON, breakdownJSON)

	text, err := r.runRoleLoop(ctx, riskSystemPrompt, nil, t, prompt)
	if err != nil {
		return nil, err
	}
	var risk fraud.RiskAssessment
	if err := parseJSONObject(text, &risk); err != nil {
		return nil, fmt.Errorf("parse risk assessment: %w", err)
	}
	if err := validateReweight(risk.Breakdown); err != nil {
		return nil, err
	}
	return &risk, nil
}

// runDecision runs the Decision role, which must call fraud_decision
// to persist its choice rather than returning free text.
func (r *Runtime) runDecision(ctx context.Context, t *toolset, risk *fraud.RiskAssessment, event fraud.TransactionEvent) (*fraud.AgentDecision, error) {
	riskJSON, _ := json.Marshal(risk)
	eventJSON, _ := json.Marshal(event)
	prompt := fmt.Sprintf("Risk assessment:\n%s\n\nOriginal transaction:\n%s\n\nDecide and call fraud_decision.", riskJSON, eventJSON)

	names := []string{"fraud_decision"}
	_, err := r.runRoleLoop(ctx, decisionSystemPrompt, names, t, prompt)
	if err != nil {
		return nil, err
	}
	if t.capturedDecision == nil {
		return nil, fmt.Errorf("decision role finished without calling fraud_decision")
	}
	return t.capturedDecision, nil
}

// runRoleLoop drives one role's bounded tool-calling conversation:
// repeatedly call the LLM, execute any requested tools, feed results
// back, until the model stops requesting tools (end_turn) or the
// per-role deadline/tool-call budget is exhausted.
func (r *Runtime) runRoleLoop(ctx context.Context, system string, toolNames []string, t *toolset, userPrompt string) (string, error) {
	roleCtx, cancel := context.WithTimeout(ctx, r.cfg.RoleDeadline)
	defer cancel()

	schemas := t.schemas(toolNames)
	funcs := t.funcs(toolNames)
	messages := []Message{{Role: "user", Content: userPrompt}}

	budget := r.cfg.ToolCallBudget
	if budget <= 0 {
		budget = 8
	}

	calls := 0
	for {
		resp, err := r.llm.Complete(roleCtx, CompletionRequest{
			System:    system,
			Messages:  messages,
			Tools:     schemas,
			MaxTokens: r.cfg.MaxTokens,
		})
		if err != nil {
			return "", err
		}

		if resp.StopReason != "tool_use" || len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}
		if calls+len(resp.Message.ToolCalls) > budget {
			return "", fmt.Errorf("tool call budget of %d exhausted without a final answer", budget)
		}
		calls += len(resp.Message.ToolCalls)

		messages = append(messages, resp.Message)
		results := make([]ToolResult, 0, len(resp.Message.ToolCalls))
		for _, tc := range resp.Message.ToolCalls {
			fn, ok := funcs[tc.Name]
			if !ok {
				results = append(results, ToolResult{ToolCallID: tc.ID, Content: fmt.Sprintf("unknown tool %q", tc.Name), IsError: true})
				continue
			}
			out, err := fn(roleCtx, tc.Input)
			if err != nil {
				results = append(results, ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true})
				continue
			}
			results = append(results, ToolResult{ToolCallID: tc.ID, Content: out})
		}
		messages = append(messages, Message{Role: "user", ToolResults: results})
	}
}

// parseJSONObject extracts the first top-level JSON object from text
// (models occasionally wrap JSON in prose despite instructions) and
// unmarshals it into v.
func parseJSONObject(text string, v any) error {
	start := -1
	depth := 0
	for i, c := range text {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return json.Unmarshal([]byte(text[start:i+1]), v)
			}
		}
	}
	return fmt.Errorf("no JSON object found in role output")
}

// validateReweight enforces the Risk role's ±0.05 per-weight bound
// against the fixed fusion baseline.
func validateReweight(b fraud.SignalBreakdown) error {
	const tolerance = 0.05 + 1e-9
	check := func(name string, got, base float64) error {
		if diff := got - base; diff > tolerance || diff < -tolerance {
			return fmt.Errorf("%s reweighted by %.3f, exceeds ±0.05 bound", name, diff)
		}
		return nil
	}
	if err := check("ml_weight", b.MLWeight, orchestrator.WeightML); err != nil {
		return err
	}
	if err := check("velocity_weight", b.VelocityWeight, orchestrator.WeightVelocity); err != nil {
		return err
	}
	if err := check("historical_weight", b.HistoricalWeight, orchestrator.WeightHistorical); err != nil {
		return err
	}
	if err := check("similar_case_weight", b.SimilarCaseWeight, orchestrator.WeightSimilarCase); err != nil {
		return err
	}
	if err := check("anomaly_weight", b.AnomalyWeight, orchestrator.WeightAnomaly); err != nil {
		return err
	}
	return nil
}
