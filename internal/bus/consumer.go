// Package bus implements the input/output message bus adapters: a
// Kafka consumer group over the transaction-input topic and a sync
// producer to the decisions topic, with manual offset commit so an
// offset is only marked once the decision it produced is durable.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// Handler processes one decoded transaction event. The offset is
// committed only after Handle returns nil, so a crash mid-event leads
// to redelivery rather than loss.
type Handler interface {
	Handle(ctx context.Context, event fraud.TransactionEvent) error
}

// ConsumerConfig configures the input-topic consumer group.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

// Consumer wraps a sarama consumer group bound to the transaction
// input topic.
type Consumer struct {
	group sarama.ConsumerGroup
	topic string
}

// NewConsumer connects to Kafka, retrying while brokers come up.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Version = sarama.V3_0_0_0

	var group sarama.ConsumerGroup
	var err error
	for attempt := 0; attempt < 30; attempt++ {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, saramaCfg)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("failed to connect to kafka consumer group, retrying")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group after retries: %w", err)
	}

	return &Consumer{group: group, topic: cfg.Topic}, nil
}

// Close closes the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Run consumes from the input topic until ctx is cancelled, dispatching
// each decoded event to handler. Delivery is at-least-once; a malformed
// payload is logged and skipped rather than blocking the partition.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	h := &groupHandler{handler: handler}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			log.Error().Err(err).Msg("error from kafka consumer group session")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// groupHandler adapts Handler to sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var event fraud.TransactionEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				log.Error().Err(err).Str("topic", msg.Topic).Int32("partition", msg.Partition).Msg("failed to decode transaction event, skipping")
				session.MarkMessage(msg, "")
				continue
			}
			if err := h.handler.Handle(session.Context(), event); err != nil {
				log.Error().Err(err).Str("order_id", event.OrderID).Msg("event handling failed, offset not committed")
				continue
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
