package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"CoinPulse/internal/domain/models"
	domrepo "CoinPulse/internal/domain/repository"
	"CoinPulse/internal/usecase"
	pkgkafka "CoinPulse/pkg/kafka"
	applogger "CoinPulse/pkg/logger"
)

// ConsumerFactory builds a fresh consumer; a stopped consumer cannot be restarted.
type ConsumerFactory func() (*pkgkafka.Consumer, error)

// KafkaTickerSource feeds the engine from a ticks topic instead of a venue
// websocket. Reconnects are left to the consumer.
type KafkaTickerSource struct {
	newConsumer ConsumerFactory
	topic       string
	pairs       []string
	metrics     domrepo.Metrics
	logger      *applogger.Logger

	mu       sync.Mutex
	consumer *pkgkafka.Consumer
}

func NewKafkaTickerSource(f ConsumerFactory, topic string, pairs []string, metrics domrepo.Metrics, l *applogger.Logger) *KafkaTickerSource {
	if l == nil {
		l = applogger.Nop()
	}
	return &KafkaTickerSource{newConsumer: f, topic: topic, pairs: pairs, metrics: metrics, logger: l}
}

// KafkaTickerSourceFactory adapts the source to an exchange ticker factory.
func KafkaTickerSourceFactory(f ConsumerFactory, topic string, metrics domrepo.Metrics, l *applogger.Logger) func([]string) domrepo.TickerSource {
	return func(pairs []string) domrepo.TickerSource {
		return NewKafkaTickerSource(f, topic, pairs, metrics, l)
	}
}

func (s *KafkaTickerSource) Connect(ctx context.Context, l domrepo.TickerListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != nil {
		return errors.New("kafka ticker source already connected")
	}
	c, err := s.newConsumer()
	if err != nil {
		return err
	}
	if err := c.RegisterHandler(usecase.NewKafkaTicksHandler(s.topic, s.pairs, l, s.metrics)); err != nil {
		return err
	}
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	s.consumer = c
	s.logger.Info("kafka ticker source connected",
		applogger.String("topic", s.topic),
		applogger.Int("pairs", len(s.pairs)))
	l.OnConnectionState(models.Connected)
	return nil
}

func (s *KafkaTickerSource) Disconnect() error {
	s.mu.Lock()
	c := s.consumer
	s.consumer = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Stop(ctx)
}

var _ domrepo.TickerSource = (*KafkaTickerSource)(nil)
