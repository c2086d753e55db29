package provider

import (
	"context"
	"time"

	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/events/kafka"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/rs/zerolog"
)

// MessageSender is the part of kafka.Producer the publisher uses
type MessageSender interface {
	SendMessage(topic string, key string, value interface{}) error
	SendMessageSync(ctx context.Context, topic string, key string, value interface{}) error
}

// EventPublisher implements providers.EventPublisher on Kafka
type EventPublisher struct {
	sender     MessageSender
	topics     config.KafkaTopics
	instanceID string
	logger     zerolog.Logger
}

var _ providers.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sender MessageSender, cfg config.KafkaConfig, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{
		sender:     sender,
		topics:     cfg.Topics,
		instanceID: cfg.InstanceID,
		logger:     logger.With().Str("component", "event_publisher").Logger(),
	}
}

func (p *EventPublisher) envelope(eventType string, payload interface{}) kafka.Event {
	return kafka.Event{
		Type:       eventType,
		InstanceID: p.instanceID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// PublishCompletion emits completion.finalized keyed by account
func (p *EventPublisher) PublishCompletion(ctx context.Context, ev providers.CompletionEvent) error {
	event := p.envelope(kafka.EventCompletionFinalized, kafka.NewCompletionPayload(ev))
	return p.sender.SendMessageSync(ctx, p.topics.Completions, ev.AccountID, event)
}

// PublishWin emits jackpot.won keyed by tier
func (p *EventPublisher) PublishWin(ctx context.Context, win providers.WinRecord) error {
	event := p.envelope(kafka.EventJackpotWon, kafka.NewWinPayload(win))
	return p.sender.SendMessageSync(ctx, p.topics.Wins, win.TierID, event)
}

// PublishPoolUpdate queues pool.updated keyed by tier. Pool updates are
// superseded by the next one, so they go through the async queue.
func (p *EventPublisher) PublishPoolUpdate(_ context.Context, pool providers.PoolBalance) error {
	event := p.envelope(kafka.EventPoolUpdated, kafka.PoolUpdateEvent{
		TierID:    pool.TierID,
		Points:    pool.Points,
		UpdatedAt: pool.UpdatedAt,
	})
	return p.sender.SendMessage(p.topics.Pools, pool.TierID, event)
}
