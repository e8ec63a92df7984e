// Package memstore implements the cross-transaction memory store:
// user/IP reputation records and per-user velocity windows backed by
// Redis, with fail-soft reads and a bounded retry buffer for writes
// issued while the backing store is unreachable.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

const (
	userKeyPrefix  = "user:"
	ipKeyPrefix    = "ip:"
	velocityPrefix = "velocity:"
	seenPrefix     = "seen:"
	reviewPrefix   = "reviews:"
	writeBufferCap = 10000

	reviewCountTTL = 7 * 24 * time.Hour
)

// pendingWrite is a deferred write retried by the background drain
// goroutine when Redis was unreachable at call time.
type pendingWrite struct {
	do func(ctx context.Context) error
}

// Store is the Redis-backed implementation of the memory store
// contract: typed reputation and velocity operations over plain
// strings, sorted sets, and expiring counters.
type Store struct {
	client *redis.Client

	mu        sync.Mutex
	buffer    []pendingWrite
	lossCount int64
	stopDrain chan struct{}
}

// New creates a Store and starts its background write-retry drain loop.
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s := &Store{client: client, stopDrain: make(chan struct{})}
	go s.drainLoop()
	return s, nil
}

// Close stops the drain loop and closes the Redis connection.
func (s *Store) Close() error {
	close(s.stopDrain)
	return s.client.Close()
}

// drainLoop periodically retries buffered writes.
func (s *Store) drainLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopDrain:
			return
		case <-ticker.C:
			s.drainOnceNow()
		}
	}
}

func (s *Store) drainOnceNow() {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, w := range pending {
		if err := w.do(ctx); err != nil {
			s.enqueueWrite(w)
		}
	}
}

// enqueueWrite buffers a write for later retry. When the bounded
// buffer is full the oldest write is dropped and the loss counter
// increments.
func (s *Store) enqueueWrite(w pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= writeBufferCap {
		s.buffer = s.buffer[1:]
		s.lossCount++
		log.Warn().Int64("loss_count", s.lossCount).Msg("memory store write buffer full, dropped oldest write")
	}
	s.buffer = append(s.buffer, w)
}

// LossCount returns the number of writes dropped due to a full retry
// buffer, exposed via /metrics.
func (s *Store) LossCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossCount
}

// GetUserReputation is a read-only lookup. Unreachable Redis fails
// soft to a zero-value (unflagged) reputation alongside a TRANSIENT_IO
// marker, so the caller still has a usable record but knows the
// historical signal was not actually covered.
func (s *Store) GetUserReputation(ctx context.Context, userID string) (*fraud.UserReputation, error) {
	data, err := s.client.Get(ctx, userKeyPrefix+userID).Bytes()
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("memory store unreachable, failing soft on user reputation read")
		return &fraud.UserReputation{UserID: userID}, fraud.Wrap(fraud.TransientIO, err)
	}
	rep := fraud.UserReputation{UserID: userID}
	if err == nil {
		if err := json.Unmarshal(data, &rep); err != nil {
			rep = fraud.UserReputation{UserID: userID}
		}
	}
	// The review counter lives on its own key and outlasts the user
	// record, so it is read even when no flag record exists.
	if count, err := s.client.Get(ctx, reviewPrefix+userID).Int(); err == nil {
		rep.RecentReviewCount7d = count
	}
	return &rep, nil
}

// RecordManualReview counts a MANUAL_REVIEW decision against the user
// for the historical-signal ladder's prior-review tier. The counter
// carries its own 7-day expiry, separate from the 24h fraud flag.
func (s *Store) RecordManualReview(ctx context.Context, userID string) error {
	apply := func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Incr(ctx, reviewPrefix+userID)
		pipe.Expire(ctx, reviewPrefix+userID, reviewCountTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fraud.Wrap(fraud.TransientIO, err)
		}
		return nil
	}
	if err := apply(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to record manual review, buffering for retry")
		s.enqueueWrite(pendingWrite{do: apply})
	}
	return nil
}

// GetIPReputation is a read-only lookup; unreachable Redis fails soft.
func (s *Store) GetIPReputation(ctx context.Context, ip string) (*fraud.IPReputation, error) {
	data, err := s.client.Get(ctx, ipKeyPrefix+ip).Bytes()
	if err == redis.Nil {
		return &fraud.IPReputation{IPAddress: ip}, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("memory store unreachable, failing soft on ip reputation read")
		return &fraud.IPReputation{IPAddress: ip}, fraud.Wrap(fraud.TransientIO, err)
	}
	var rep fraud.IPReputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return &fraud.IPReputation{IPAddress: ip}, nil
	}
	return &rep, nil
}

// FlagUser marks a user flagged, idempotently incrementing fraud_count
// and refreshing the TTL. On a write failure the mutation is buffered
// for later retry rather than propagated as an error.
func (s *Store) FlagUser(ctx context.Context, userID string, reason fraud.FlagReason, ttl time.Duration) error {
	apply := func(ctx context.Context) error {
		rep, err := s.GetUserReputation(ctx, userID)
		if err != nil {
			return err
		}
		rep.Flagged = true
		rep.FlagReason = reason
		rep.FlaggedAt = time.Now().UTC()
		rep.FlagTTL = ttl
		rep.FraudCount++

		data, err := json.Marshal(rep)
		if err != nil {
			return fraud.Wrap(fraud.Fatal, err)
		}
		if err := s.client.Set(ctx, userKeyPrefix+userID, data, ttl).Err(); err != nil {
			return fraud.Wrap(fraud.TransientIO, err)
		}
		return nil
	}

	if err := apply(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to flag user, buffering for retry")
		s.enqueueWrite(pendingWrite{do: apply})
		return nil
	}
	return nil
}

// TouchIP refreshes the IP reputation record's sighting window
// (first_seen on creation, last_seen on every call) and, when the
// sighting accompanies a confirmed block, flags the address and
// increments its fraud case count. The TTL runs from last activity.
func (s *Store) TouchIP(ctx context.Context, ip string, fraudCase bool, ttl time.Duration) error {
	apply := func(ctx context.Context) error {
		rep := &fraud.IPReputation{IPAddress: ip}
		if data, err := s.client.Get(ctx, ipKeyPrefix+ip).Bytes(); err == nil {
			_ = json.Unmarshal(data, rep)
		}
		now := time.Now().UTC()
		if rep.FirstSeen.IsZero() {
			rep.FirstSeen = now
		}
		rep.LastSeen = now
		if fraudCase {
			rep.Flagged = true
			rep.FraudCaseCount++
		}
		data, err := json.Marshal(rep)
		if err != nil {
			return fraud.Wrap(fraud.Fatal, err)
		}
		if err := s.client.Set(ctx, ipKeyPrefix+ip, data, ttl).Err(); err != nil {
			return fraud.Wrap(fraud.TransientIO, err)
		}
		return nil
	}
	if err := apply(ctx); err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("failed to touch ip reputation, buffering for retry")
		s.enqueueWrite(pendingWrite{do: apply})
	}
	return nil
}

// RecordTransaction appends an entry to the user's velocity window
// (Redis sorted set scored by Unix-nano timestamp) and trims entries
// older than the configured window.
func (s *Store) RecordTransaction(ctx context.Context, userID, orderID string, amount float64, ts time.Time, window time.Duration) error {
	entry := fraud.VelocityEntry{OrderID: orderID, Amount: amount, Timestamp: ts}
	data, err := json.Marshal(entry)
	if err != nil {
		return fraud.Wrap(fraud.Fatal, err)
	}

	key := velocityPrefix + userID
	apply := func(ctx context.Context) error {
		// First-write-wins on duplicate order_id: check membership by
		// scanning is expensive, so we rely on the caller's idempotency
		// short-circuit (orchestrator dedupes by order_id before calling
		// RecordTransaction at all) and treat ZADD as append-only here.
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixNano()), Member: string(data)})
		cutoff := float64(ts.Add(-window).UnixNano())
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff))
		_, err := pipe.Exec(ctx)
		if err != nil {
			return fraud.Wrap(fraud.TransientIO, err)
		}
		return nil
	}

	if err := apply(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to record transaction, buffering for retry")
		s.enqueueWrite(pendingWrite{do: apply})
	}
	return nil
}

// GetVelocityWindow returns the user's velocity entries within
// window_sec, ordered oldest to newest. Unreachable Redis fails soft to
// an empty window.
func (s *Store) GetVelocityWindow(ctx context.Context, userID string, windowSec time.Duration) ([]fraud.VelocityEntry, error) {
	key := velocityPrefix + userID
	now := time.Now()
	min := fmt.Sprintf("%f", float64(now.Add(-windowSec).UnixNano()))
	max := fmt.Sprintf("%f", float64(now.UnixNano()))

	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("memory store unreachable, failing soft on velocity window read")
		return nil, fraud.Wrap(fraud.TransientIO, err)
	}

	entries := make([]fraud.VelocityEntry, 0, len(members))
	for _, m := range members {
		var e fraud.VelocityEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		if e.Timestamp.After(now) {
			continue // invariant: window never contains future entries
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SeenOrder reports whether order_id has already been processed within
// the idempotency TTL window, and marks it seen if not. Returns true
// if this order_id was already seen (a duplicate).
func (s *Store) SeenOrder(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenPrefix+orderID, "1", ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("memory store unreachable, treating as unseen")
		return false, fraud.Wrap(fraud.TransientIO, err)
	}
	return !ok, nil // SetNX returns true when the key was newly set (not a duplicate)
}

// CacheDecision stores the decision record for an order_id so a
// duplicate event can return it verbatim.
func (s *Store) CacheDecision(ctx context.Context, orderID string, record *fraud.DecisionRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fraud.Wrap(fraud.Fatal, err)
	}
	if err := s.client.Set(ctx, "decision:"+orderID, data, ttl).Err(); err != nil {
		return fraud.Wrap(fraud.TransientIO, err)
	}
	return nil
}

// GetCachedDecision retrieves a previously cached decision record, if any.
func (s *Store) GetCachedDecision(ctx context.Context, orderID string) (*fraud.DecisionRecord, error) {
	data, err := s.client.Get(ctx, "decision:"+orderID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fraud.Wrap(fraud.TransientIO, err)
	}
	var record fraud.DecisionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fraud.Wrap(fraud.Fatal, err)
	}
	return &record, nil
}

// Ping reports whether the memory store is reachable, used by the
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
