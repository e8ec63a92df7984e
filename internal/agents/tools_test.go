package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/orchestrator"
)

func newTestToolset() *toolset {
	event := fraud.TransactionEvent{OrderID: "o1", UserID: "u1", IPAddress: "1.2.3.4", Amount: 120, Timestamp: time.Now()}
	return newToolset(fakeStore{}, fakeKB{}, fakeEmbedder{}, event, orchestrator.PreAgentResult{Score: 0.75}, time.Hour)
}

func TestFraudDecisionTool_CapturesValidDecision(t *testing.T) {
	ts := newTestToolset()

	out, err := ts.fraudDecision(context.Background(), json.RawMessage(
		`{"decision":"MANUAL_REVIEW","justification":"conflicting signals","indicators":["geo_mismatch"],"next_actions":"queue for analyst"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"status":"recorded"}`, out)
	require.NotNil(t, ts.capturedDecision)
	assert.Equal(t, fraud.ManualReview, ts.capturedDecision.Decision)
	assert.Equal(t, []string{"geo_mismatch"}, ts.capturedDecision.Indicators)
}

func TestFraudDecisionTool_RejectsUnknownDecision(t *testing.T) {
	ts := newTestToolset()

	_, err := ts.fraudDecision(context.Background(), json.RawMessage(`{"decision":"MAYBE","justification":"x"}`))
	require.Error(t, err)
	assert.Equal(t, fraud.AgentMalformed, fraud.KindOf(err))
	assert.Nil(t, ts.capturedDecision)
}

func TestSchemas_FiltersToRequestedTools(t *testing.T) {
	ts := newTestToolset()

	schemas := ts.schemas([]string{"fraud_history", "similar_cases"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "fraud_history", schemas[0].Name)
	assert.Equal(t, "similar_cases", schemas[1].Name)

	funcs := ts.funcs([]string{"fraud_decision"})
	assert.Len(t, funcs, 1)
	assert.Contains(t, funcs, "fraud_decision")
}

func TestTransactionAnalysisTool_IncludesPreAgentContext(t *testing.T) {
	ts := newTestToolset()

	out, err := ts.transactionAnalysis(context.Background(), nil)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, 0.75, payload["pre_agent_score"])
}
