package repository

import (
	"context"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	pkgkafka "CoinPulse/pkg/kafka"
	applogger "CoinPulse/pkg/logger"
)

// KafkaChangesSink publishes every batch to a topic, one message per window,
// keyed by pair so a partition sees one pair in order.
type KafkaChangesSink struct {
	producer *pkgkafka.Producer
	topic    string
	format   func(string) string
}

// NewKafkaChangesSink creates the sink. format may be nil.
func NewKafkaChangesSink(producer *pkgkafka.Producer, topic string, format func(string) string) *KafkaChangesSink {
	return &KafkaChangesSink{producer: producer, topic: topic, format: format}
}

func (s *KafkaChangesSink) Name() string { return "kafka" }

func (s *KafkaChangesSink) Publish(ctx context.Context, pair string, changes []models.PriceChanges) error {
	if len(changes) == 0 {
		return nil
	}
	views := models.ChangesViews(changes, s.format)
	msgs := make([]pkgkafka.Message, len(views))
	for i, v := range views {
		msgs[i] = pkgkafka.Message{Key: []byte(pair), Value: v}
	}
	return s.producer.PublishBatch(ctx, s.topic, msgs)
}

var _ domrepo.ChangesSink = (*KafkaChangesSink)(nil)

// KafkaStatusPublisher forwards engine messages to a status topic.
type KafkaStatusPublisher struct {
	producer *pkgkafka.Producer
	topic    string
	logger   *applogger.Logger
}

func NewKafkaStatusPublisher(producer *pkgkafka.Producer, topic string, l *applogger.Logger) *KafkaStatusPublisher {
	if l == nil {
		l = applogger.Nop()
	}
	return &KafkaStatusPublisher{producer: producer, topic: topic, logger: l}
}

// Publish is shaped as an engine message receiver; failures are logged only.
func (p *KafkaStatusPublisher) Publish(ctx context.Context, msg models.EngineMessage) {
	if err := p.producer.Publish(ctx, p.topic, []byte(msg.Kind), msg); err != nil {
		p.logger.Warn("engine status not published",
			applogger.String("kind", string(msg.Kind)),
			applogger.Error(err))
	}
}
