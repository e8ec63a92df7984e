package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/knowledge"
	"github.com/enterprise/fraud-orchestrator/internal/mlscore"
)

// fakeStore is an in-memory stand-in for internal/memstore.Store,
// mutex-guarded so worker pool tests can hammer it concurrently.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*fraud.UserReputation
	ips     map[string]*fraud.IPReputation
	windows map[string][]fraud.VelocityEntry
	seen    map[string]bool
	cache   map[string]*fraud.DecisionRecord
	flagged []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]*fraud.UserReputation),
		ips:     make(map[string]*fraud.IPReputation),
		windows: make(map[string][]fraud.VelocityEntry),
		seen:    make(map[string]bool),
		cache:   make(map[string]*fraud.DecisionRecord),
	}
}

func (f *fakeStore) GetUserReputation(ctx context.Context, userID string) (*fraud.UserReputation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return &fraud.UserReputation{UserID: userID}, nil
}

func (f *fakeStore) GetIPReputation(ctx context.Context, ip string) (*fraud.IPReputation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.ips[ip]; ok {
		cp := *v
		return &cp, nil
	}
	return &fraud.IPReputation{IPAddress: ip}, nil
}

func (f *fakeStore) FlagUser(ctx context.Context, userID string, reason fraud.FlagReason, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged = append(f.flagged, userID)
	u := f.users[userID]
	if u == nil {
		u = &fraud.UserReputation{UserID: userID}
		f.users[userID] = u
	}
	u.Flagged = true
	u.FlagReason = reason
	u.FraudCount++
	return nil
}

func (f *fakeStore) RecordManualReview(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	if u == nil {
		u = &fraud.UserReputation{UserID: userID}
		f.users[userID] = u
	}
	u.RecentReviewCount7d++
	return nil
}

func (f *fakeStore) TouchIP(ctx context.Context, ip string, fraudCase bool, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := f.ips[ip]
	if rep == nil {
		rep = &fraud.IPReputation{IPAddress: ip, FirstSeen: time.Now()}
		f.ips[ip] = rep
	}
	rep.LastSeen = time.Now()
	if fraudCase {
		rep.Flagged = true
		rep.FraudCaseCount++
	}
	return nil
}

func (f *fakeStore) RecordTransaction(ctx context.Context, userID, orderID string, amount float64, ts time.Time, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[userID] = append(f.windows[userID], fraud.VelocityEntry{OrderID: orderID, Amount: amount, Timestamp: ts})
	return nil
}

func (f *fakeStore) GetVelocityWindow(ctx context.Context, userID string, windowSec time.Duration) ([]fraud.VelocityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fraud.VelocityEntry, len(f.windows[userID]))
	copy(out, f.windows[userID])
	return out, nil
}

func (f *fakeStore) SeenOrder(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[orderID] {
		return true, nil
	}
	f.seen[orderID] = true
	return false, nil
}

func (f *fakeStore) CacheDecision(ctx context.Context, orderID string, record *fraud.DecisionRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[orderID] = record
	return nil
}

func (f *fakeStore) GetCachedDecision(ctx context.Context, orderID string) (*fraud.DecisionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[orderID], nil
}

type fakeKB struct {
	hits     []knowledge.Hit
	inserted []fraud.FraudPattern
}

func (f *fakeKB) Search(ctx context.Context, vector []float32) ([]knowledge.Hit, error) {
	return f.hits, nil
}

func (f *fakeKB) Insert(ctx context.Context, pattern fraud.FraudPattern) error {
	f.inserted = append(f.inserted, pattern)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeML struct{ score float64 }

func (f fakeML) Score(ctx context.Context, event fraud.TransactionEvent, stats mlscore.UserStats) (float64, error) {
	return f.score, nil
}

func testConfig() Config {
	return Config{
		Thresholds:       Thresholds{Block: 0.70, Review: 0.40, Agent: 0.70, AgentCoverageMin: 0.6},
		KBLearnThreshold: 0.9,
		VelocityWindow:   time.Hour,
		UserFlagTTL:      24 * time.Hour,
		IPFlagTTL:        7 * 24 * time.Hour,
		OrderSeenTTL:     10 * time.Minute,
		MemoryDeadline:   500 * time.Millisecond,
		KBDeadline:       time.Second,
		MLDeadline:       300 * time.Millisecond,
		UseAgents:        false,
	}
}

func TestProcess_CleanTransactionApproves(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)

	event := fraud.TransactionEvent{
		OrderID: "o1", UserID: "u1", IPAddress: "1.2.3.4",
		Amount: 45, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 730,
	}

	outcome, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, fraud.Approve, outcome.Record.Decision)
	assert.Less(t, outcome.Record.RiskScore, 0.30)
	assert.Nil(t, outcome.Record.AgentTrace)
}

func TestProcess_RapidFireBlocksByThirdEvent(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.1}, nil, nil)

	base := time.Now()
	for i := 0; i < 3; i++ {
		event := fraud.TransactionEvent{
			OrderID: "order-" + string(rune('a'+i)), UserID: "u-rapid", IPAddress: "9.9.9.9",
			Amount: 50, Timestamp: base.Add(time.Duration(i) * 2 * time.Second), PaymentMethod: "card",
			ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 400,
		}
		outcome, err := p.Process(context.Background(), event)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, fraud.Block, outcome.Record.Decision)
		}
	}
}

func TestProcess_DuplicateOrderReturnsCachedDecision(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)

	event := fraud.TransactionEvent{
		OrderID: "dup-1", UserID: "u2", IPAddress: "1.1.1.1",
		Amount: 20, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 100,
	}

	first, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.Decision, second.Record.Decision)
	assert.Equal(t, first.Record.RiskScore, second.Record.RiskScore)
}

func TestProcess_GeoMismatchNewAccountForcesManualReview(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.2}, nil, nil)

	event := fraud.TransactionEvent{
		OrderID: "geo-1", UserID: "new-user", IPAddress: "5.5.5.5",
		Amount: 750, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "FR", AccountAgeDays: 1.0 / 24,
	}

	outcome, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, fraud.ManualReview, outcome.Record.Decision)
}

func TestProcess_InvalidEventReturnsManualReview(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0}, nil, nil)

	outcome, err := p.Process(context.Background(), fraud.TransactionEvent{OrderID: "", UserID: "", Amount: 10, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, fraud.ManualReview, outcome.Record.Decision)
	assert.Equal(t, 0.0, outcome.Record.Confidence)
}

func TestProcess_FourthRapidFireEventSeesFlagPropagation(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.1}, nil, nil)

	base := time.Now()
	for i := 0; i < 4; i++ {
		event := fraud.TransactionEvent{
			OrderID: "rf-" + string(rune('a'+i)), UserID: "u-prop", IPAddress: "9.9.9.9",
			Amount: 50, Timestamp: base.Add(time.Duration(i) * 2 * time.Second), PaymentMethod: "card",
			ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 400,
		}
		outcome, err := p.Process(context.Background(), event)
		require.NoError(t, err)
		if i == 3 {
			assert.Equal(t, fraud.Block, outcome.Record.Decision)
			var names []string
			for _, f := range outcome.Record.ContributingFactors {
				names = append(names, f.FactorName)
			}
			assert.Contains(t, names, "user_flagged_or_repeat_offender")
		}
	}
}

func TestProcess_HighScoreBlockInsertsLearnedPattern(t *testing.T) {
	store := newFakeStore()
	store.users["u-hot"] = &fraud.UserReputation{UserID: "u-hot", Flagged: true, FraudCount: 2}
	base := time.Now()
	store.windows["u-hot"] = []fraud.VelocityEntry{
		{OrderID: "w1", Amount: 2, Timestamp: base.Add(-4 * time.Second)},
		{OrderID: "w2", Amount: 3, Timestamp: base.Add(-2 * time.Second)},
	}
	kb := &fakeKB{hits: []knowledge.Hit{
		{Pattern: fraud.FraudPattern{FraudType: "takeover_drift", Severity: fraud.SeverityCritical}, Similarity: 0.95},
	}}
	p := New(testConfig(), store, kb, fakeEmbedder{}, fakeML{score: 1.0}, nil, nil)

	event := fraud.TransactionEvent{
		OrderID: "hot-1", UserID: "u-hot", IPAddress: "6.6.6.6",
		Amount: 750, Timestamp: base, PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "BR", AccountAgeDays: 0.5,
	}

	outcome, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, fraud.Block, outcome.Record.Decision)
	assert.GreaterOrEqual(t, outcome.Record.RiskScore, 0.9)
	require.Len(t, kb.inserted, 1)
	assert.Equal(t, fraud.SourceLearned, kb.inserted[0].Source)
}

// rateLimitedAgents simulates a saturated LLM rate limiter.
type rateLimitedAgents struct{}

func (rateLimitedAgents) Run(ctx context.Context, event fraud.TransactionEvent, pre PreAgentResult) (*fraud.AgentTrace, error) {
	return nil, fraud.Wrap(fraud.RateLimited, context.DeadlineExceeded)
}

func TestProcess_AgentSkipUnderRateLimit(t *testing.T) {
	store := newFakeStore()
	store.users["u-sat"] = &fraud.UserReputation{UserID: "u-sat", Flagged: true, FraudCount: 1}
	kb := &fakeKB{hits: []knowledge.Hit{
		{Pattern: fraud.FraudPattern{FraudType: "triangulation", Severity: fraud.SeverityCritical}, Similarity: 0.92},
	}}
	cfg := testConfig()
	cfg.UseAgents = true
	p := New(cfg, store, kb, fakeEmbedder{}, fakeML{score: 1.0}, nil, rateLimitedAgents{})

	event := fraud.TransactionEvent{
		OrderID: "sat-1", UserID: "u-sat", IPAddress: "7.7.7.7",
		Amount: 900, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "RU", AccountAgeDays: 0.5,
	}

	outcome, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, outcome.Record.AgentTrace)
	assert.Equal(t, "skipped_rate_limit", outcome.Record.AgentTrace.Status)
	assert.Equal(t, fraud.Block, outcome.Record.Decision)
}

// downStore fails every read the way memstore does when Redis is
// unreachable: a usable zero value plus a TRANSIENT_IO marker.
type downStore struct {
	*fakeStore
}

func (d *downStore) GetUserReputation(ctx context.Context, userID string) (*fraud.UserReputation, error) {
	return &fraud.UserReputation{UserID: userID}, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

func (d *downStore) GetIPReputation(ctx context.Context, ip string) (*fraud.IPReputation, error) {
	return &fraud.IPReputation{IPAddress: ip}, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

func (d *downStore) GetVelocityWindow(ctx context.Context, userID string, windowSec time.Duration) ([]fraud.VelocityEntry, error) {
	return nil, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

func (d *downStore) SeenOrder(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return false, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

type failingKB struct{}

func (failingKB) Search(ctx context.Context, vector []float32) ([]knowledge.Hit, error) {
	return nil, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

func (failingKB) Insert(ctx context.Context, pattern fraud.FraudPattern) error { return nil }

type failingML struct{}

func (failingML) Score(ctx context.Context, event fraud.TransactionEvent, stats mlscore.UserStats) (float64, error) {
	return 0, fraud.Wrap(fraud.TransientIO, context.DeadlineExceeded)
}

func TestProcess_AllSignalsSoftFailingYieldsInsufficientSignal(t *testing.T) {
	store := &downStore{fakeStore: newFakeStore()}
	p := New(testConfig(), store, failingKB{}, fakeEmbedder{}, failingML{}, nil, nil)

	event := fraud.TransactionEvent{
		OrderID: "dark-1", UserID: "u-dark", IPAddress: "8.8.8.8",
		Amount: 60, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 200,
	}

	outcome, err := p.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, fraud.ManualReview, outcome.Record.Decision)
	assert.Equal(t, 0.0, outcome.Record.Confidence)
	require.Len(t, outcome.Record.ContributingFactors, 1)
	assert.Equal(t, "insufficient_signal", outcome.Record.ContributingFactors[0].FactorName)
	assert.Empty(t, store.flagged)
}
