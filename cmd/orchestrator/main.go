// Command orchestrator is the composition root: it wires the resource
// guards, memory store, vector knowledge base, ML adapter, agent
// runtime, and bus/database adapters into a running fraud orchestrator,
// then drives the bus consumer into a worker pool until a shutdown
// signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/configs"
	"github.com/enterprise/fraud-orchestrator/internal/agents"
	"github.com/enterprise/fraud-orchestrator/internal/bus"
	"github.com/enterprise/fraud-orchestrator/internal/decisionstore"
	"github.com/enterprise/fraud-orchestrator/internal/fraud"
	"github.com/enterprise/fraud-orchestrator/internal/guards"
	"github.com/enterprise/fraud-orchestrator/internal/healthsrv"
	"github.com/enterprise/fraud-orchestrator/internal/knowledge"
	"github.com/enterprise/fraud-orchestrator/internal/memstore"
	"github.com/enterprise/fraud-orchestrator/internal/mlscore"
	"github.com/enterprise/fraud-orchestrator/internal/orchestrator"
)

func main() {
	_ = godotenv.Load()
	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().Str("environment", cfg.Server.Environment).Msg("starting fraud orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := memstore.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to memory store")
	}
	defer store.Close()

	embedder := knowledge.NewHashEmbedder(cfg.Qdrant.VectorDim)

	kb, err := knowledge.New(ctx, knowledge.Config{
		Host:           cfg.Qdrant.Host,
		Port:           cfg.Qdrant.Port,
		CollectionName: cfg.Qdrant.CollectionName,
		VectorDim:      cfg.Qdrant.VectorDim,
	}, embedder)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to knowledge base")
	}
	if err := kb.SeedCanonicalPatterns(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed canonical fraud patterns")
	}

	mlAdapter := mlscore.New(nil, mlscore.DefaultMedians)
	if err := mlAdapter.Validate(); err != nil {
		// A feature-vector mismatch is a startup configuration error,
		// not something to degrade around.
		log.Fatal().Err(err).Msg("ml adapter feature vector mismatch")
	}

	breakers := guards.NewBreakerRegistry(cfg.Guards.BreakerFailureThreshold, cfg.Guards.BreakerCooldown)
	rateLimiter := guards.NewLLMRateLimiter(cfg.Guards.MaxAIRequestsPerMin, time.Duration(cfg.Guards.AIRequestDelaySec*float64(time.Second)), cfg.Guards.MaxRateLimitWait)
	metrics := healthsrv.NewMetrics()

	var agentRunner orchestrator.AgentRunner
	if cfg.Thresholds.UseAgents {
		llm := agents.NewAnthropicLLM(cfg.LLM.APIKey, cfg.LLM.Model)
		agentRunner = agents.NewRuntime(llm, &meteredLimiter{limiter: rateLimiter, metrics: metrics}, store, kb, embedder, agents.Config{
			ToolCallBudget: cfg.Thresholds.AgentToolCallBudget,
			RoleDeadline:   cfg.Thresholds.LLMToolDeadline,
			RunDeadline:    cfg.Thresholds.AgentRunDeadline,
			MaxTokens:      1024,
			VelocityWindow: cfg.Thresholds.VelocityWindow,
		})
	}

	pipeline := orchestrator.New(orchestrator.Config{
		Thresholds: orchestrator.Thresholds{
			Block:            cfg.Thresholds.BlockThreshold,
			Review:           cfg.Thresholds.ReviewThreshold,
			Agent:            cfg.Thresholds.AgentThreshold,
			AgentCoverageMin: cfg.Thresholds.AgentCoverageMin,
		},
		KBLearnThreshold: cfg.Thresholds.KBLearnThreshold,
		VelocityWindow:   cfg.Thresholds.VelocityWindow,
		UserFlagTTL:      cfg.Thresholds.UserFlagTTL,
		IPFlagTTL:        cfg.Thresholds.IPFlagTTL,
		OrderSeenTTL:     cfg.Thresholds.OrderSeenTTL,
		MemoryDeadline:   cfg.Thresholds.MemoryDeadline,
		KBDeadline:       cfg.Thresholds.KBDeadline,
		MLDeadline:       cfg.Thresholds.MLDeadline,
		PipelineDeadline: cfg.Thresholds.PipelineDeadline,
		UseAgents:        cfg.Thresholds.UseAgents,
	}, store, kb, embedder, mlAdapter, breakers, agentRunner)
	pipeline.SetObserver(metrics)

	decisions, err := decisionstore.New(ctx, decisionstore.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to decision store")
	}
	defer decisions.Close()

	producer, err := bus.NewProducer(bus.ProducerConfig{Brokers: cfg.Bus.Brokers, Topic: cfg.Bus.OutputTopic})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create decisions producer")
	}
	defer producer.Close()

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
	}
	retry := guards.NewRetryPolicy(cfg.Guards.RetryBase, cfg.Guards.RetryFactor, cfg.Guards.RetryMaxAttempts, cfg.Guards.RetryCap)
	sink := &resultSink{producer: producer, decisions: decisions, retry: retry}
	pool := orchestrator.NewWorkerPool(pipeline, sink, concurrency, cfg.Worker.QueueCapacity, cfg.Worker.ShardByUser)

	health := healthsrv.New(":"+cfg.Server.Port, breakers, metrics, func(checkCtx context.Context) error {
		return store.Ping(checkCtx)
	}, kb.HealthCheck, decisions.HealthCheck)

	consumer, err := bus.NewConsumer(bus.ConsumerConfig{Brokers: cfg.Bus.Brokers, Topic: cfg.Bus.InputTopic, Group: cfg.Bus.ConsumerGroup})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create transaction consumer")
	}
	defer consumer.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	healthErrCh := make(chan error, 1)
	go func() { healthErrCh <- health.Run(ctx) }()

	consumerErrCh := make(chan error, 1)
	go func() {
		err := consumer.Run(ctx, &eventHandler{pool: pool})
		health.SetConsumerAttached(false)
		consumerErrCh <- err
	}()
	health.SetConsumerAttached(true)

	go metricsGaugeLoop(ctx, health, metrics, store)

	fatal := false
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-consumerErrCh
	case err := <-consumerErrCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("fatal consumer error, shutting down")
			fatal = true
		}
		cancel()
	case err := <-healthErrCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("fatal health server error, shutting down")
			fatal = true
		}
		cancel()
		<-consumerErrCh
	}

	// The consumer has stopped feeding the pool by now, so the queue can
	// drain and close safely.
	pool.Close()
	if fatal {
		os.Exit(2)
	}
	log.Info().Msg("fraud orchestrator shutdown complete")
}

// eventHandler adapts the bus consumer to the worker pool, providing
// the back-pressure the consumer group observes when the pool's queue
// is full. It waits for the decision to be durably emitted so the
// consumer commits its offset only afterwards.
type eventHandler struct {
	pool *orchestrator.WorkerPool
}

func (h *eventHandler) Handle(ctx context.Context, event fraud.TransactionEvent) error {
	return h.pool.SubmitWait(ctx, event)
}

// resultSink fans a finished decision out to the decisions topic and
// the durable decision store, retrying transient write failures with
// the configured backoff policy before giving the bus consumer a
// chance to redeliver.
type resultSink struct {
	producer  *bus.Producer
	decisions *decisionstore.Store
	retry     *guards.RetryPolicy
}

func (s *resultSink) Emit(ctx context.Context, event fraud.TransactionEvent, outcome orchestrator.Outcome) error {
	if err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.decisions.Write(ctx, event, outcome.Record)
	}); err != nil {
		return err
	}
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return s.producer.PublishDecision(event.UserID, outcome.Record)
	})
}

// meteredLimiter wraps the LLM rate limiter so every wait (and every
// denial past the wait budget) lands in the metrics exposition.
type meteredLimiter struct {
	limiter *guards.LLMRateLimiter
	metrics *healthsrv.Metrics
}

func (m *meteredLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	err := m.limiter.Wait(ctx)
	m.metrics.ObserveRateLimiterWait(time.Since(start), err != nil)
	return err
}

func metricsGaugeLoop(ctx context.Context, health *healthsrv.Server, metrics *healthsrv.Metrics, store *memstore.Store) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health.RecordCircuitGauges()
			metrics.WriteBufferLoss.Set(float64(store.LossCount()))
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
