package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

type recordingSink struct {
	mu      sync.Mutex
	records []*fraud.DecisionRecord
}

func (s *recordingSink) Emit(ctx context.Context, event fraud.TransactionEvent, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, outcome.Record)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestWorkerPool_ProcessesEveryDistinctEventOnce(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)
	sink := &recordingSink{}
	pool := NewWorkerPool(p, sink, 4, 16, false)

	for i := 0; i < 8; i++ {
		event := fraud.TransactionEvent{
			OrderID: "wp-" + string(rune('a'+i)), UserID: "u-wp", IPAddress: "1.1.1.1",
			Amount: 30, Timestamp: time.Now(), PaymentMethod: "card",
			ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 365,
		}
		require.NoError(t, pool.Submit(context.Background(), event))
	}
	pool.Close()

	assert.Equal(t, 8, sink.count())
}

func TestWorkerPool_DuplicatesNotReemitted(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)
	sink := &recordingSink{}
	pool := NewWorkerPool(p, sink, 1, 4, false)

	event := fraud.TransactionEvent{
		OrderID: "wp-dup", UserID: "u-dup", IPAddress: "1.1.1.1",
		Amount: 30, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 365,
	}
	require.NoError(t, pool.Submit(context.Background(), event))
	require.NoError(t, pool.Submit(context.Background(), event))
	pool.Close()

	assert.Equal(t, 1, sink.count())
}

type failingSink struct{}

func (failingSink) Emit(ctx context.Context, event fraud.TransactionEvent, outcome Outcome) error {
	return context.DeadlineExceeded
}

func TestWorkerPool_SubmitWaitSurfacesEmitFailure(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)
	pool := NewWorkerPool(p, failingSink{}, 1, 4, false)
	defer pool.Close()

	event := fraud.TransactionEvent{
		OrderID: "wp-fail", UserID: "u-fail", IPAddress: "1.1.1.1",
		Amount: 30, Timestamp: time.Now(), PaymentMethod: "card",
		ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 365,
	}
	err := pool.SubmitWait(context.Background(), event)
	assert.Error(t, err)
}

func TestWorkerPool_ShardedRoutingPreservesPerUserOrder(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), store, &fakeKB{}, fakeEmbedder{}, fakeML{score: 0.05}, nil, nil)
	sink := &recordingSink{}
	pool := NewWorkerPool(p, sink, 4, 16, true)

	base := time.Now()
	for i := 0; i < 6; i++ {
		event := fraud.TransactionEvent{
			OrderID: "sh-" + string(rune('a'+i)), UserID: "u-shard", IPAddress: "1.1.1.1",
			Amount: 30, Timestamp: base.Add(time.Duration(i) * time.Minute), PaymentMethod: "card",
			ShippingCountry: "US", BillingCountry: "US", AccountAgeDays: 365,
		}
		require.NoError(t, pool.Submit(context.Background(), event))
	}
	pool.Close()

	require.Equal(t, 6, sink.count())
	// Same user hashes to one shard, so the velocity window saw the
	// events in submission order.
	window := store.windows["u-shard"]
	for i := 1; i < len(window); i++ {
		assert.True(t, !window[i].Timestamp.Before(window[i-1].Timestamp))
	}
}
