// Package knowledge implements the vector knowledge base: a
// cosine-similarity nearest-neighbor search over known fraud patterns,
// backed by Qdrant.
package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

const (
	// TopK is the number of nearest neighbors considered for the
	// similar-case signal.
	TopK = 5
	// SimilarityThreshold is the minimum cosine similarity for a hit to
	// count toward similar_case_signal.
	SimilarityThreshold = 0.7
	// dedupWindow is the idempotent-insert window for learned patterns:
	// inserting the same pattern twice within it is a no-op.
	dedupWindow = time.Minute
)

// Embedder turns a transaction (already summarized into evidence text
// by the caller) into a fixed-length vector. Swappable so tests never
// need a real embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store wraps a Qdrant collection holding seeded and learned fraud
// patterns.
type Store struct {
	client     *qdrant.Client
	collection string
	vectorDim  uint64
	embedder   Embedder

	mu           sync.Mutex
	recentInsert map[string]time.Time // (description, fraud type) -> last insert time, for dedup
}

// Config configures the collection the Store talks to.
type Config struct {
	Host           string
	Port           int
	CollectionName string
	VectorDim      int
}

// New connects to Qdrant and ensures the collection exists.
func New(ctx context.Context, cfg Config, embedder Embedder) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}

	s := &Store{
		client:       client,
		collection:   cfg.CollectionName,
		vectorDim:    uint64(cfg.VectorDim),
		embedder:     embedder,
		recentInsert: make(map[string]time.Time),
	}

	exists, err := client.CollectionExists(ctx, cfg.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.vectorDim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}

	return s, nil
}

// HealthCheck reports whether Qdrant responds, used by the readiness
// probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

// Hit is a single similarity search result.
type Hit struct {
	Pattern    fraud.FraudPattern
	Similarity float64
}

// Search runs a top-k cosine similarity search against the collection,
// returning only hits at or above SimilarityThreshold.
func (s *Store) Search(ctx context.Context, vector []float32) ([]Hit, error) {
	limit := uint64(TopK)
	resp, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fraud.Wrap(fraud.TransientIO, err)
	}

	hits := make([]Hit, 0, len(resp))
	for _, p := range resp {
		if p.GetScore() < SimilarityThreshold {
			continue
		}
		pattern, err := patternFromPayload(p.GetPayload())
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed knowledge base payload")
			continue
		}
		hits = append(hits, Hit{Pattern: pattern, Similarity: float64(p.GetScore())})
	}
	return hits, nil
}

// Insert adds a new fraud pattern to the collection, deduplicating
// inserts of the same (description, fraud type) pair within
// dedupWindow. A pattern arriving without a vector is embedded from
// its description here, so seeded and learned patterns share the same
// vector space as query embeddings.
func (s *Store) Insert(ctx context.Context, pattern fraud.FraudPattern) error {
	key := pattern.Description + "\x00" + pattern.FraudType
	s.mu.Lock()
	if last, ok := s.recentInsert[key]; ok && time.Since(last) < dedupWindow {
		s.mu.Unlock()
		return nil
	}
	s.recentInsert[key] = time.Now()
	s.mu.Unlock()

	if len(pattern.Vector) == 0 {
		vector, err := s.embedder.Embed(ctx, pattern.Description)
		if err != nil {
			return fraud.Wrap(fraud.TransientIO, err)
		}
		pattern.Vector = vector
	}

	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = time.Now().UTC()
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(pattern.ID),
		Vectors: qdrant.NewVectors(pattern.Vector...),
		Payload: payloadFromPattern(pattern),
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
		Wait:           &wait,
	})
	if err != nil {
		return fraud.Wrap(fraud.TransientIO, err)
	}
	return nil
}

// SeedCanonicalPatterns inserts the ten canonical fraud patterns if
// the collection is empty, called once at startup. Re-seeding is a
// no-op: the in-memory dedup window in Insert only covers a process's
// own lifetime, so this checks the collection's point count directly
// rather than relying on it across restarts.
func (s *Store) SeedCanonicalPatterns(ctx context.Context) error {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection before seeding: %w", err)
	}
	if info.GetPointsCount() > 0 {
		return nil
	}
	for _, p := range CanonicalPatterns() {
		if err := s.Insert(ctx, p); err != nil {
			return fmt.Errorf("seed pattern %q: %w", p.FraudType, err)
		}
	}
	return nil
}

func payloadFromPattern(p fraud.FraudPattern) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		"fraud_type":           qdrant.NewValueString(p.FraudType),
		"description":          qdrant.NewValueString(p.Description),
		"severity":             qdrant.NewValueString(string(p.Severity)),
		"source":               qdrant.NewValueString(string(p.Source)),
		"example_amount_range": qdrant.NewValueString(p.ExampleAmountRange),
		"created_at":           qdrant.NewValueString(p.CreatedAt.UTC().Format(time.RFC3339)),
	}
}

func patternFromPayload(payload map[string]*qdrant.Value) (fraud.FraudPattern, error) {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	fraudType := get("fraud_type")
	if fraudType == "" {
		return fraud.FraudPattern{}, fmt.Errorf("payload missing fraud_type")
	}
	createdAt, _ := time.Parse(time.RFC3339, get("created_at"))
	return fraud.FraudPattern{
		FraudType:          fraudType,
		Description:        get("description"),
		Severity:           fraud.Severity(get("severity")),
		Source:             fraud.PatternSource(get("source")),
		ExampleAmountRange: get("example_amount_range"),
		CreatedAt:          createdAt,
	}, nil
}
