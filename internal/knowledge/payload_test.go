package knowledge

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

func TestPayloadRoundTrip(t *testing.T) {
	original := fraud.FraudPattern{
		FraudType:   "card_testing",
		Description: "repeated small authorizations",
		Severity:    fraud.SeverityHigh,
		Source:      fraud.SourceLearned,
	}

	payload := payloadFromPattern(original)
	restored, err := patternFromPayload(payload)
	require.NoError(t, err)

	assert.Equal(t, original.FraudType, restored.FraudType)
	assert.Equal(t, original.Description, restored.Description)
	assert.Equal(t, original.Severity, restored.Severity)
	assert.Equal(t, original.Source, restored.Source)
}

func TestPatternFromPayload_MissingFraudType(t *testing.T) {
	_, err := patternFromPayload(map[string]*qdrant.Value{})
	assert.Error(t, err)
}
