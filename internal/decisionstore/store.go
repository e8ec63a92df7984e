// Package decisionstore implements the durable decision-record sink: a
// Postgres table mirroring the decision-record fields plus the raw
// event JSON and agent trace JSON.
package decisionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// Config configures the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store wraps a pgx pool and writes/reads decision records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates the connection pool, pings it, and ensures the
// fraud_decisions table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("decision store connection established")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_decisions (
			order_id             TEXT PRIMARY KEY,
			decision             TEXT NOT NULL,
			risk_score           DOUBLE PRECISION NOT NULL,
			confidence           DOUBLE PRECISION NOT NULL,
			contributing_factors JSONB NOT NULL,
			agent_trace          JSONB,
			raw_event            JSONB NOT NULL,
			elapsed_ms           BIGINT NOT NULL,
			decided_at           TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure fraud_decisions schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// HealthCheck pings the pool, used by the readiness probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Write persists a decision record alongside the raw event that
// produced it, conflict-ignoring on order_id so idempotent replay
// never produces a duplicate row.
func (s *Store) Write(ctx context.Context, event fraud.TransactionEvent, record *fraud.DecisionRecord) error {
	factorsJSON, err := json.Marshal(record.ContributingFactors)
	if err != nil {
		return fmt.Errorf("marshal contributing factors: %w", err)
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal raw event: %w", err)
	}
	var traceJSON []byte
	if record.AgentTrace != nil {
		traceJSON, err = json.Marshal(record.AgentTrace)
		if err != nil {
			return fmt.Errorf("marshal agent trace: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO fraud_decisions (
			order_id, decision, risk_score, confidence, contributing_factors,
			agent_trace, raw_event, elapsed_ms, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING
	`,
		record.OrderID, string(record.Decision), record.RiskScore, record.Confidence, factorsJSON,
		nullableJSON(traceJSON), eventJSON, record.ElapsedMs, record.DecidedAt,
	)
	if err != nil {
		return fraud.Wrap(fraud.TransientIO, err)
	}
	return nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}

// GetByOrderID retrieves a previously written decision record, used for
// reconciliation and tests.
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (*fraud.DecisionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT order_id, decision, risk_score, confidence, contributing_factors, agent_trace, elapsed_ms, decided_at
		FROM fraud_decisions WHERE order_id = $1
	`, orderID)

	var record fraud.DecisionRecord
	var decision string
	var factorsJSON []byte
	var traceJSON []byte
	if err := row.Scan(&record.OrderID, &decision, &record.RiskScore, &record.Confidence, &factorsJSON, &traceJSON, &record.ElapsedMs, &record.DecidedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fraud.Wrap(fraud.TransientIO, err)
	}
	record.Decision = fraud.Decision(decision)
	if err := json.Unmarshal(factorsJSON, &record.ContributingFactors); err != nil {
		return nil, fmt.Errorf("unmarshal contributing factors: %w", err)
	}
	if len(traceJSON) > 0 {
		var trace fraud.AgentTrace
		if err := json.Unmarshal(traceJSON, &trace); err != nil {
			return nil, fmt.Errorf("unmarshal agent trace: %w", err)
		}
		record.AgentTrace = &trace
	}
	return &record, nil
}
