package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/quizlive/internal/config"
	"github.com/quizlive/internal/domain"
)

// Processor applies one reconciliation message. It must be idempotent:
// the consumer delivers at-least-once and redelivers on failure.
type Processor interface {
	ProcessScoreUpdate(ctx context.Context, msg domain.ScoreUpdate) error
}

// Consumer consumes score-update messages and drives the accurate
// leaderboard recomputation, decoupled from the request path
type Consumer struct {
	config        *config.KafkaConfig
	processor     Processor
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, processor Processor, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		processor:     processor,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting score update consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("score update consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping score update consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages one at a time, emitting an explicit
// ack/requeue decision for each. An acked message is marked consumed; a
// requeued message leaves its offset unmarked and aborts the claim, so the
// restarted session redelivers it (at-least-once).
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			ack, err := h.consumer.handle(session.Context(), message.Value)
			if err != nil {
				h.consumer.logger.Error("score update processing failed, requeueing",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				return err
			}
			if ack {
				session.MarkMessage(message, "")
			}
		}
	}
}

// handle decodes and processes one message payload. It returns ack=true when
// the message should be marked consumed; a non-nil error means the message
// must be redelivered. Undecodable payloads are acked so a poison message
// cannot wedge the partition.
func (c *Consumer) handle(ctx context.Context, payload []byte) (bool, error) {
	var msg domain.ScoreUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("dropping malformed score update", "error", err)
		return true, nil
	}

	if msg.UserID == "" || msg.QuizID == "" {
		c.logger.Warn("dropping incomplete score update",
			"user_id", msg.UserID,
			"quiz_id", msg.QuizID,
		)
		return true, nil
	}

	processCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.processor.ProcessScoreUpdate(processCtx, msg); err != nil {
		return false, err
	}

	c.logger.Debug("processed score update",
		"user_id", msg.UserID,
		"quiz_id", msg.QuizID,
		"score", msg.Score,
	)
	return true, nil
}
