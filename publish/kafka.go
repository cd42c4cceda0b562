package publish

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const kafkaFlushTimeoutMs = 5000

// KafkaPublisher produces every message onto a single topic, keyed by
// record ID. The subject travels in a header.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return &KafkaPublisher{producer: p, topic: topic}, nil
}

// Publish waits for the delivery report.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	delivery := make(chan kafka.Event, 1)

	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.Key),
		Value:          msg.Payload,
		Headers:        []kafka.Header{{Key: "subject", Value: []byte(msg.Subject)}},
	}, delivery)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
		return m.TopicPartition.Error
	}
}

func (p *KafkaPublisher) Close() error {
	remaining := p.producer.Flush(kafkaFlushTimeoutMs)
	p.producer.Close()
	if remaining > 0 {
		return fmt.Errorf("%d messages not delivered", remaining)
	}
	return nil
}
