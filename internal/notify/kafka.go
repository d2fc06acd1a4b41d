package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaChannel publishes events keyed by work item, so one item's events stay ordered.
type KafkaChannel struct {
	writer *kafka.Writer
}

func NewKafkaChannel(cfg KafkaConfig) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaChannel{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: cfg.WriteTimeout,
			// retries belong to the dispatcher
			MaxAttempts: 1,
		},
	}, nil
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Deliver(ctx context.Context, evt Event, key string) (DeliveryResult, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return DeliveryResult{}, Permanent(fmt.Errorf("marshal event: %w", err))
	}
	msg := kafka.Message{
		Key:   []byte(evt.WorkItemID),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(key)},
			{Key: "event-type", Value: []byte(eventType(evt))},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.Temporary() {
			return DeliveryResult{}, Permanent(err)
		}
		return DeliveryResult{}, err
	}
	return DeliveryResult{Channel: c.Name(), Reference: c.writer.Topic}, nil
}

func (c *KafkaChannel) Close() error {
	return c.writer.Close()
}
