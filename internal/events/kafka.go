package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medroute/internal/config"
)

// messageWriter is the subset of *kafka.Writer the publisher needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one Kafka topic per channel class
type KafkaPublisher struct {
	cfg     config.KafkaConfig
	writers map[string]messageWriter
	logger  *zap.Logger
}

// NewKafkaPublisher creates a writer for each configured topic
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		cfg:     cfg,
		writers: make(map[string]messageWriter),
		logger:  logger.Named("kafka_publisher"),
	}

	for _, topic := range p.topics() {
		if _, exists := p.writers[topic]; exists {
			continue
		}
		p.writers[topic] = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return p
}

func (p *KafkaPublisher) topics() []string {
	return []string{p.cfg.Topics.Hospital, p.cfg.Topics.Ambulance, p.cfg.Topics.Alerts, p.cfg.Topics.Trips}
}

// TopicFor maps a channel to its Kafka topic. Unknown classes go to the trips topic.
func (p *KafkaPublisher) TopicFor(channel string) string {
	switch ChannelClass(channel) {
	case ClassHospital:
		return p.cfg.Topics.Hospital
	case ClassAmbulance:
		return p.cfg.Topics.Ambulance
	case ClassAlerts:
		return p.cfg.Topics.Alerts
	default:
		return p.cfg.Topics.Trips
	}
}

func (p *KafkaPublisher) Name() string {
	return "kafka"
}

// Publish writes the event keyed by its channel so per-channel ordering is kept
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	topic := p.TopicFor(event.Channel)
	writer, exists := p.writers[topic]
	if !exists {
		return errors.Errorf("no writer configured for topic: %s", topic)
	}

	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to serialize event")
	}

	msg := kafka.Message{
		Key:   []byte(event.Channel),
		Value: value,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source-service", Value: []byte("medroute")},
			{Key: "event-kind", Value: []byte(event.Kind)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to publish event to %s", topic)
	}

	p.logger.Debug("Event written to Kafka",
		zap.String("topic", topic),
		zap.String("key", event.Channel))
	return nil
}

// Close flushes and closes every writer
func (p *KafkaPublisher) Close() error {
	var result error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			result = multierr.Append(result, errors.Wrapf(err, "failed to close writer for %s", topic))
		}
	}
	return result
}
