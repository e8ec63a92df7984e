package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/orchestrator"
	"github.com/enterprise/fraud-orchestrator/internal/velocity"
)

// ToolFunc executes one tool call against its backing component and
// returns the result as a JSON-ish string fed back to the model.
type ToolFunc func(ctx context.Context, input json.RawMessage) (string, error)

// fraudDecisionArgs is the input schema for the fraud_decision tool,
// the only tool in the surface that writes.
type fraudDecisionArgs struct {
	Decision      string   `json:"decision"`
	Justification string   `json:"justification"`
	Indicators    []string `json:"indicators"`
	NextActions   string   `json:"next_actions"`
}

// toolset bundles every tool this runtime exposes plus the decision the
// fraud_decision tool captured, if any.
type toolset struct {
	store          orchestrator.MemoryStore
	kb             orchestrator.KnowledgeBase
	embedder       orchestrator.Embedder
	event          fraud.TransactionEvent
	pre            orchestrator.PreAgentResult
	velocityWindow time.Duration

	capturedDecision *fraud.AgentDecision
}

func newToolset(store orchestrator.MemoryStore, kb orchestrator.KnowledgeBase, embedder orchestrator.Embedder, event fraud.TransactionEvent, pre orchestrator.PreAgentResult, velocityWindow time.Duration) *toolset {
	return &toolset{store: store, kb: kb, embedder: embedder, event: event, pre: pre, velocityWindow: velocityWindow}
}

// schemas returns the tool surface available to the given role.
func (t *toolset) schemas(names []string) []ToolSchema {
	all := map[string]ToolSchema{
		"fraud_history": {
			Name:        "fraud_history",
			Description: "Look up the user's fraud flag history and count from the memory store.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"user_reputation": {
			Name:        "user_reputation",
			Description: "Look up the current reputation record for the user and their IP address.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"similar_cases": {
			Name:        "similar_cases",
			Description: "Search the fraud pattern knowledge base for cases similar to this transaction.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"velocity_check": {
			Name:        "velocity_check",
			Description: "Re-run velocity pattern detection against the user's recent transaction window.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"transaction_analysis": {
			Name:        "transaction_analysis",
			Description: "Return the raw transaction payload and rolling statistics already computed for it.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"fraud_decision": {
			Name:        "fraud_decision",
			Description: "Persist the final fraud decision for this transaction.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"decision":      map[string]any{"type": "string", "enum": []string{"APPROVE", "MANUAL_REVIEW", "BLOCK"}},
					"justification": map[string]any{"type": "string"},
					"indicators":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"next_actions":  map[string]any{"type": "string"},
				},
				"required": []string{"decision", "justification"},
			},
		},
	}

	out := make([]ToolSchema, 0, len(names))
	for _, n := range names {
		if s, ok := all[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// funcs returns the executable handlers for the named tools.
func (t *toolset) funcs(names []string) map[string]ToolFunc {
	all := map[string]ToolFunc{
		"fraud_history":        t.fraudHistory,
		"user_reputation":      t.userReputation,
		"similar_cases":        t.similarCases,
		"velocity_check":       t.velocityCheck,
		"transaction_analysis": t.transactionAnalysis,
		"fraud_decision":       t.fraudDecision,
	}
	out := make(map[string]ToolFunc, len(names))
	for _, n := range names {
		if f, ok := all[n]; ok {
			out[n] = f
		}
	}
	return out
}

func (t *toolset) fraudHistory(ctx context.Context, _ json.RawMessage) (string, error) {
	rep, err := t.store.GetUserReputation(ctx, t.event.UserID)
	if err != nil {
		return "", err
	}
	data, _ := json.Marshal(rep)
	return string(data), nil
}

func (t *toolset) userReputation(ctx context.Context, _ json.RawMessage) (string, error) {
	user, err := t.store.GetUserReputation(ctx, t.event.UserID)
	if err != nil {
		return "", err
	}
	ip, err := t.store.GetIPReputation(ctx, t.event.IPAddress)
	if err != nil {
		return "", err
	}
	data, _ := json.Marshal(map[string]any{"user": user, "ip": ip})
	return string(data), nil
}

func (t *toolset) similarCases(ctx context.Context, _ json.RawMessage) (string, error) {
	text := fmt.Sprintf("$%.2f in %s via %s, shipping %s billing %s",
		t.event.Amount, t.event.Currency, t.event.PaymentMethod, t.event.ShippingCountry, t.event.BillingCountry)
	vector, err := t.embedder.Embed(ctx, text)
	if err != nil {
		return "", err
	}
	hits, err := t.kb.Search(ctx, vector)
	if err != nil {
		return "", err
	}
	data, _ := json.Marshal(hits)
	return string(data), nil
}

func (t *toolset) velocityCheck(ctx context.Context, _ json.RawMessage) (string, error) {
	window, err := t.store.GetVelocityWindow(ctx, t.event.UserID, t.velocityWindow)
	if err != nil {
		return "", err
	}
	findings := velocity.Detect(window, t.event)
	data, _ := json.Marshal(findings)
	return string(data), nil
}

func (t *toolset) transactionAnalysis(ctx context.Context, _ json.RawMessage) (string, error) {
	data, _ := json.Marshal(map[string]any{
		"event":              t.event,
		"pre_agent_score":    t.pre.Score,
		"pre_agent_decision": t.pre.Decision,
	})
	return string(data), nil
}

func (t *toolset) fraudDecision(ctx context.Context, input json.RawMessage) (string, error) {
	var args fraudDecisionArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fraud.Wrap(fraud.AgentMalformed, err)
	}
	decision := fraud.Decision(args.Decision)
	switch decision {
	case fraud.Approve, fraud.ManualReview, fraud.Block:
	default:
		return "", fraud.Wrap(fraud.AgentMalformed, fmt.Errorf("unrecognized decision %q", args.Decision))
	}

	t.capturedDecision = &fraud.AgentDecision{
		Decision:      decision,
		Justification: args.Justification,
		Indicators:    args.Indicators,
		NextActions:   args.NextActions,
	}
	return `{"status":"recorded"}`, nil
}
