// Package events publishes fire-and-forget domain events. Subscriber absence
// is never an error for the callers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	TopicPaymentSucceeded      = "payment.succeeded"
	TopicPaymentFailed         = "payment.failed"
	TopicSubscriptionCreated   = "subscription.created"
	TopicSubscriptionUpdated   = "subscription.updated"
	TopicSubscriptionCancelled = "subscription.cancelled"
	TopicTrialWillEnd          = "subscription.trial_will_end"
	TopicInvoicePaid           = "invoice.paid"
	TopicInvoicePaymentFailed  = "invoice.payment_failed"
	TopicWebhookProcessed      = "webhook.processed"
	TopicWebhookError          = "webhook.error"
	TopicDunningEscalated      = "dunning.escalated"
	TopicDunningRetryScheduled = "dunning.retry_scheduled"
)

// Publisher delivers domain events. Implementations must not block the caller
// on subscriber availability and must swallow delivery failures.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any)
}

const channel = "loopbill.events"

type envelope struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type redisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisPublisher publishes events on a redis pub/sub channel.
func NewRedisPublisher(client *redis.Client, log *zap.Logger) Publisher {
	return &redisPublisher{
		client: client,
		log:    log.Named("events.redis"),
	}
}

func (p *redisPublisher) Publish(ctx context.Context, topic string, payload map[string]any) {
	body, err := json.Marshal(envelope{
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		p.log.Warn("failed to encode domain event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		p.log.Warn("failed to publish domain event", zap.String("topic", topic), zap.Error(err))
	}
}

type logPublisher struct {
	log *zap.Logger
}

// NewLogPublisher logs events instead of delivering them. Used when no redis
// endpoint is configured.
func NewLogPublisher(log *zap.Logger) Publisher {
	return &logPublisher{log: log.Named("events")}
}

func (p *logPublisher) Publish(ctx context.Context, topic string, payload map[string]any) {
	_ = ctx
	p.log.Info("domain event", zap.String("topic", topic), zap.Any("payload", payload))
}

// Recorder captures published events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	Topic   string
	Payload map[string]any
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ctx context.Context, topic string, payload map[string]any) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Topic: topic, Payload: payload})
}

func (r *Recorder) ByTopic(topic string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.Events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
