package orchestrator

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// ResultSink receives the outcome of one processed event, called once
// the pipeline has finished the whole event. The composition root's
// implementation writes the record to the durable store and then
// publishes it to the bus.
type ResultSink interface {
	Emit(ctx context.Context, event fraud.TransactionEvent, outcome Outcome) error
}

// work is one queued event, optionally carrying a completion channel
// for callers that must observe the durable write before proceeding
// (the bus consumer commits its offset only then).
type work struct {
	event fraud.TransactionEvent
	done  chan error
}

// WorkerPool runs a fixed number of orchestrator workers pulling
// events off a bounded in-process queue. The durable queue is the
// Kafka consumer group; this pool only multiplexes its deliveries
// across workers.
type WorkerPool struct {
	pipeline    *Pipeline
	sink        ResultSink
	queue       chan work
	shardQueues []chan work
	shardByUser bool
	wg          sync.WaitGroup
}

// NewWorkerPool builds a pool of `concurrency` workers reading from a
// queue of the given capacity. When shardByUser is true, events are
// routed to one of `concurrency` per-worker queues by hashing user_id,
// giving best-effort per-user ordering; otherwise all workers share a
// single queue.
func NewWorkerPool(pipeline *Pipeline, sink ResultSink, concurrency, queueCapacity int, shardByUser bool) *WorkerPool {
	p := &WorkerPool{pipeline: pipeline, sink: sink, shardByUser: shardByUser}
	if shardByUser {
		p.shardQueues = make([]chan work, concurrency)
		for i := range p.shardQueues {
			p.shardQueues[i] = make(chan work, queueCapacity/max(concurrency, 1))
		}
	} else {
		p.queue = make(chan work, queueCapacity)
	}
	p.start(concurrency)
	return p
}

func (p *WorkerPool) start(concurrency int) {
	if p.shardByUser {
		for i, q := range p.shardQueues {
			p.wg.Add(1)
			go p.runWorker(i, q)
		}
		return
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(i, p.queue)
	}
}

func (p *WorkerPool) runWorker(id int, queue chan work) {
	defer p.wg.Done()
	for w := range queue {
		err := p.processOne(id, w.event)
		if w.done != nil {
			w.done <- err
		}
	}
}

func (p *WorkerPool) processOne(workerID int, event fraud.TransactionEvent) error {
	ctx := context.Background()
	outcome, err := p.pipeline.Process(ctx, event)
	if err != nil {
		log.Error().Err(err).Int("worker", workerID).Str("order_id", event.OrderID).Msg("pipeline processing failed fatally")
		return err
	}
	if outcome.Duplicate {
		return nil
	}
	if err := p.sink.Emit(ctx, event, outcome); err != nil {
		log.Error().Err(err).Str("order_id", event.OrderID).Msg("failed to emit decision result")
		return err
	}
	return nil
}

// Submit enqueues an event for processing without waiting for its
// outcome. It blocks if the queue is full, which is the back-pressure
// that pauses the bus consumer's polling.
func (p *WorkerPool) Submit(ctx context.Context, event fraud.TransactionEvent) error {
	return p.enqueue(ctx, work{event: event})
}

// SubmitWait enqueues an event and blocks until its pipeline run and
// result emission complete, returning the emission error if any. The
// bus consumer uses this so the partition offset is committed only
// after the decision record is durably written.
func (p *WorkerPool) SubmitWait(ctx context.Context, event fraud.TransactionEvent) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, work{event: event, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, w work) error {
	queue := p.queue
	if p.shardByUser {
		queue = p.shardQueues[shardIndex(w.event.UserID, len(p.shardQueues))]
	}
	select {
	case queue <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight events to
// drain.
func (p *WorkerPool) Close() {
	if p.shardByUser {
		for _, q := range p.shardQueues {
			close(q)
		}
	} else {
		close(p.queue)
	}
	p.wg.Wait()
}

func shardIndex(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
