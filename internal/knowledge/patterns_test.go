package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

func TestCanonicalPatterns_CountAndFields(t *testing.T) {
	patterns := CanonicalPatterns()
	require.Len(t, patterns, 10)
	seen := make(map[string]bool)
	for _, p := range patterns {
		assert.NotEmpty(t, p.FraudType)
		assert.NotEmpty(t, p.Description)
		assert.Equal(t, fraud.SourceSeeded, p.Source)
		assert.Empty(t, p.Vector) // Insert embeds the description
		assert.False(t, seen[p.FraudType])
		seen[p.FraudType] = true
	}
}

func TestCanonicalPatterns_FindableByOwnDescription(t *testing.T) {
	// A seed embedded at insert time must come back at full similarity
	// when queried with its own description through the same embedder.
	e := NewHashEmbedder(256)
	for _, p := range CanonicalPatterns() {
		stored, err := e.Embed(context.Background(), p.Description)
		require.NoError(t, err)
		query, err := e.Embed(context.Background(), p.Description)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cosine(stored, query), 0.95, p.FraudType)
	}
}

func TestCanonicalPatterns_DistinctDescriptionsSeparate(t *testing.T) {
	e := NewHashEmbedder(256)
	patterns := CanonicalPatterns()
	a, err := e.Embed(context.Background(), patterns[0].Description)
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), patterns[6].Description)
	require.NoError(t, err)
	assert.Less(t, cosine(a, b), 0.95)
}
