package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// envelope is Event with the payload left undecoded
type envelope struct {
	Type       string          `json:"type"`
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PoolUpdateHandler receives pool totals committed by other instances
type PoolUpdateHandler interface {
	HandlePeerUpdate(update jackpot.Update)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer relays pool updates from peer instances to a handler
type Consumer struct {
	reader     messageReader
	handler    PoolUpdateHandler
	instanceID string
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	InstanceID    string
	Logger        zerolog.Logger
}

// NewConsumer creates a new Kafka consumer. Each instance must read every
// pool update, so the group id is suffixed with the instance id.
func NewConsumer(config ConsumerConfig, handler PoolUpdateHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup + "-" + config.InstanceID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return newConsumer(reader, config, handler)
}

func newConsumer(reader messageReader, config ConsumerConfig, handler PoolUpdateHandler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:     reader,
		handler:    handler,
		instanceID: config.InstanceID,
		logger:     config.Logger.With().Str("component", "kafka-consumer").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consume()
	c.logger.Info().Msg("Kafka consumer started")
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info().Msg("Stopping Kafka consumer...")
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Kafka reader")
		return err
	}

	c.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error().Err(err).Msg("Error fetching message from Kafka")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Error handling message")
		}

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Error committing message")
		}
	}
}

// handleMessage forwards one pool update. Updates from this instance and
// other event types are skipped.
func (c *Consumer) handleMessage(msg kafka.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return err
	}
	if env.Type != EventPoolUpdated || env.InstanceID == c.instanceID {
		return nil
	}

	var event PoolUpdateEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return err
	}

	c.handler.HandlePeerUpdate(jackpot.Update{
		TierID:    event.TierID,
		Points:    event.Points,
		Timestamp: event.UpdatedAt,
		Origin:    env.InstanceID,
	})
	return nil
}
