package knowledge

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder turns a human-readable fraud description into a fixed
// dimension vector by hashing overlapping token shingles into buckets,
// treating the real embedding model as a swappable black box the same
// way mlscore.PredictFunc treats the ML model. It is deterministic so
// the canonical seeded patterns always land on the same point across
// restarts, and similar descriptions land near each other because they
// share shingles.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds an embedder producing vectors of the given
// dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// Embed hashes each alphanumeric token (text is split at every
// non-alphanumeric character) and each adjacent token pair of text into one of h.dim buckets, then L2-normalizes the
// result so cosine similarity behaves sensibly.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float64, h.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		bucket := hashToBucket(tok, h.dim)
		vec[bucket] += 1.0
		if i+1 < len(tokens) {
			pair := tok + "_" + tokens[i+1]
			vec[hashToBucket(pair, h.dim)] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, h.dim)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func hashToBucket(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}
