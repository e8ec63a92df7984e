package bus

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// ProducerConfig configures the decisions-topic producer.
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// Producer publishes decision records to the output topic, keyed by
// user_id for downstream partitioning.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer builds a synchronous, idempotent Kafka producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1

	p, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka sync producer: %w", err)
	}
	return &Producer{producer: p, topic: cfg.Topic}, nil
}

// Close closes the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishDecision emits a decision record keyed by userID to the
// decisions topic.
func (p *Producer) PublishDecision(userID string, record *fraud.DecisionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fraud.Wrap(fraud.TransientIO, err)
	}
	return nil
}
