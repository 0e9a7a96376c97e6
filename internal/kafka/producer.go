package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/quizlive/internal/config"
	"github.com/quizlive/internal/domain"
)

// Producer publishes score-update messages for asynchronous leaderboard
// reconciliation. Messages are keyed by user id so updates for one user
// stay ordered within a partition.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer creates a Kafka producer for score updates
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger,
	}, nil
}

// PublishScoreUpdate enqueues one reconciliation message
func (p *Producer) PublishScoreUpdate(_ context.Context, msg domain.ScoreUpdate) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding score update: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.UserID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	p.logger.Debug("published score update",
		"user_id", msg.UserID,
		"quiz_id", msg.QuizID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close shuts down the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
