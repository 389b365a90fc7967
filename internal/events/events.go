// Package events publishes commission lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/partnerpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeCycleClosed       = "commission.cycle.closed"
	TypeSettlementMarked  = "commission.settlement.marked"
	defaultPublishTimeout = 5 * time.Second
)

var ErrEmptyEventType = errors.New("empty_event_type")

var Module = fx.Module("events.publisher",
	fx.Provide(NewPublisher),
)

type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher delivers events keyed for partition affinity.
type Publisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// NewPublisher returns a Kafka publisher when brokers are configured and a
// no-op publisher otherwise.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	log = log.Named("events.publisher")
	if !cfg.Kafka.Enabled() {
		log.Info("kafka disabled, events are dropped")
		return NoopPublisher{}, nil
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = cfg.Kafka.ClientID
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaConfig)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return producer.Close()
		},
	})
	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return NewKafkaPublisher(producer, cfg.Kafka.Topic, log), nil
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, event Event) error {
	if event.Type == "" {
		return ErrEmptyEventType
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.log.Debug("event published",
		zap.String("type", event.Type),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, Event) error { return nil }

// PublishBestEffort logs delivery failures instead of returning them; the
// database write that produced the event has already committed.
func PublishBestEffort(ctx context.Context, pub Publisher, log *zap.Logger, key string, event Event) {
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := pub.Publish(ctx, key, event); err != nil {
		log.Warn("event publish failed", zap.String("type", event.Type), zap.String("key", key), zap.Error(err))
	}
}
