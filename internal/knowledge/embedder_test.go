package knowledge

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_SelfSimilarityIsOne(t *testing.T) {
	e := NewHashEmbedder(64)
	text := "$750.00 in USD via card, shipping BR billing US"

	v1, err := e.Embed(context.Background(), text)
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), text)
	require.NoError(t, err)

	// Round-trip law: a pattern searched with its own description must
	// come back at similarity >= 0.95.
	assert.GreaterOrEqual(t, cosine(v1, v2), 0.95)
}

func TestHashEmbedder_UnitNorm(t *testing.T) {
	e := NewHashEmbedder(32)
	v, err := e.Embed(context.Background(), "repeated small authorizations probing for valid cards")
	require.NoError(t, err)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedder_SharedTokensRaiseSimilarity(t *testing.T) {
	e := NewHashEmbedder(128)
	a, _ := e.Embed(context.Background(), "rapid transactions from the same user within seconds")
	b, _ := e.Embed(context.Background(), "rapid transactions from the same user within minutes")
	c, _ := e.Embed(context.Background(), "shipping and billing countries diverge sharply")

	assert.Greater(t, cosine(a, b), cosine(a, c))
}

func TestHashEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(16)
	v, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, x := range v {
		assert.Equal(t, float32(0), x)
	}
}
