package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	"github.com/loopbill/loopbill/internal/events"
	"github.com/loopbill/loopbill/internal/observability/metrics"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	providerdomain "github.com/loopbill/loopbill/internal/provider/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	"github.com/loopbill/loopbill/internal/webhook/domain"
)

type WebhookService struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	gateway       providerdomain.Gateway
	payments      paymentdomain.Service
	subscriptions subscriptiondomain.Service
	events        events.Publisher
	metrics       *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Gateway       providerdomain.Gateway
	Payments      paymentdomain.Service
	Subscriptions subscriptiondomain.Service
	Events        events.Publisher
	Metrics       *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &WebhookService{
		db:            p.DB,
		log:           p.Log.Named("webhook.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		gateway:       p.Gateway,
		payments:      p.Payments,
		subscriptions: p.Subscriptions,
		events:        p.Events,
		metrics:       p.Metrics,
	}
}

// Process runs one inbound delivery through the full pipeline: verify the
// signature, short-circuit replays by provider event id, write the audit
// record, dispatch by type and mark the record terminal. A handler failure
// surfaces as ErrProcessingFailed; signature and payload rejections pass
// through untouched so the transport layer can answer 400.
func (s *WebhookService) Process(ctx context.Context, payload []byte, signature string) (domain.ProcessResult, error) {
	event, err := s.gateway.ConstructWebhookEvent(payload, signature)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	result := domain.ProcessResult{EventID: event.ID, Type: event.Type}

	existing, err := s.findRecord(ctx, event.ID)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	if existing != nil && existing.Processed {
		result.AlreadyProcessed = true
		result.Message = "already processed"
		// Every inbound delivery gets a monitoring emission, replays
		// included; only the original domain events are suppressed.
		s.events.Publish(ctx, events.TopicWebhookProcessed, map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
			"outcome":    "already_processed",
		})
		s.metrics.RecordWebhookEvent(event.Type, "already_processed", 0)
		return result, nil
	}

	if existing == nil {
		now := s.clock.Now().UTC()
		record := &domain.WebhookEvent{
			ID:              s.genID.Generate(),
			ProviderEventID: event.ID,
			Type:            event.Type,
			Payload:         datatypes.JSON(event.Raw),
			Livemode:        event.Livemode,
			ReceivedAt:      now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		// Losing the audit record is less harmful than dropping the
		// event; the provider retries on error anyway.
		if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
			s.log.Error("webhook audit record insert failed",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	return s.run(ctx, event, result)
}

// Retry re-dispatches a stored failed event through the same handler path.
func (s *WebhookService) Retry(ctx context.Context, providerEventID string) (domain.ProcessResult, error) {
	record, err := s.findRecord(ctx, providerEventID)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	if record == nil {
		return domain.ProcessResult{}, domain.ErrEventNotFound
	}
	if record.Processed && record.Success {
		return domain.ProcessResult{}, domain.ErrAlreadySucceeded
	}

	event, err := parseStoredEvent(record)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	return s.run(ctx, event, domain.ProcessResult{EventID: event.ID, Type: event.Type})
}

// run dispatches, marks the record terminal and emits the monitoring event.
func (s *WebhookService) run(ctx context.Context, event providerdomain.Event, result domain.ProcessResult) (domain.ProcessResult, error) {
	started := s.clock.Now()
	handleErr := s.dispatch(ctx, event)
	elapsed := s.clock.Now().Sub(started)

	s.markTerminal(ctx, event.ID, handleErr)
	s.emitOutcome(ctx, event, elapsed, handleErr)

	if handleErr != nil {
		return result, fmt.Errorf("%w: %v", domain.ErrProcessingFailed, handleErr)
	}
	result.Message = "processed"
	return result, nil
}

func (s *WebhookService) findRecord(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	var record domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider_event_id = ?", providerEventID).
		First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *WebhookService) markTerminal(ctx context.Context, providerEventID string, handleErr error) {
	now := s.clock.Now().UTC()
	updates := map[string]any{
		"processed":    true,
		"success":      handleErr == nil,
		"error":        "",
		"processed_at": now,
		"updated_at":   now,
	}
	if handleErr != nil {
		updates["error"] = handleErr.Error()
	}
	err := s.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("provider_event_id = ?", providerEventID).
		Updates(updates).Error
	if err != nil {
		s.log.Error("webhook record terminal update failed",
			zap.String("event_id", providerEventID),
			zap.Error(err),
		)
	}
}

func (s *WebhookService) emitOutcome(ctx context.Context, event providerdomain.Event, elapsed time.Duration, handleErr error) {
	outcome := "success"
	topic := events.TopicWebhookProcessed
	payload := map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if handleErr != nil {
		outcome = "error"
		topic = events.TopicWebhookError
		payload["error"] = handleErr.Error()
	}
	payload["outcome"] = outcome
	s.events.Publish(ctx, topic, payload)
	s.metrics.RecordWebhookEvent(event.Type, outcome, elapsed)
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	TrialEnd          int64             `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID        string            `json:"id"`
	AmountDue int64             `json:"amount_due"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *WebhookService) dispatch(ctx context.Context, event providerdomain.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return s.handlePaymentIntent(ctx, event, true)
	case "payment_intent.payment_failed":
		return s.handlePaymentIntent(ctx, event, false)
	case "customer.subscription.created":
		// Local creation already happened; the provider-side mirror is
		// informational.
		s.log.Info("provider subscription mirror created", zap.String("event_id", event.ID))
		return nil
	case "customer.subscription.updated":
		return s.handleSubscriptionSync(ctx, event, false)
	case "customer.subscription.deleted":
		return s.handleSubscriptionSync(ctx, event, true)
	case "customer.subscription.trial_will_end":
		return s.handleTrialWillEnd(ctx, event)
	case "invoice.paid":
		return s.handleInvoiceNotification(ctx, event, events.TopicInvoicePaid)
	case "invoice.payment_failed":
		return s.handleInvoiceNotification(ctx, event, events.TopicInvoicePaymentFailed)
	default:
		s.log.Info("unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return nil
	}
}

func (s *WebhookService) handlePaymentIntent(ctx context.Context, event providerdomain.Event, succeeded bool) error {
	var obj paymentIntentObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return providerdomain.ErrInvalidPayload
	}
	if obj.ID == "" {
		return providerdomain.ErrInvalidPayload
	}

	payment, err := s.payments.FindByProviderIntentID(ctx, obj.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		s.log.Warn("webhook references unknown payment intent",
			zap.String("event_id", event.ID),
			zap.String("intent_id", obj.ID),
		)
		return nil
	}

	now := s.clock.Now().UTC()
	topic := events.TopicPaymentSucceeded
	if succeeded {
		if payment.Status != paymentdomain.PaymentStatusSucceeded {
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return s.payments.MarkSucceeded(ctx, tx, payment.ID, now)
			})
			if err != nil {
				return err
			}
		}
	} else {
		topic = events.TopicPaymentFailed
		if payment.Status != paymentdomain.PaymentStatusFailed {
			code := obj.LastPaymentError.Code
			if code == "" {
				code = "card_declined"
			}
			message := obj.LastPaymentError.Message
			if message == "" {
				message = "payment failed"
			}
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return s.payments.MarkFailed(ctx, tx, payment.ID, code, message, now)
			})
			if err != nil {
				return err
			}
		}
	}

	s.events.Publish(ctx, topic, map[string]any{
		"payment_id": payment.ID.String(),
		"user_id":    payment.UserID.String(),
		"amount":     payment.Amount,
		"currency":   payment.Currency,
		"intent_id":  obj.ID,
	})
	return nil
}

func (s *WebhookService) handleSubscriptionSync(ctx context.Context, event providerdomain.Event, deleted bool) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return providerdomain.ErrInvalidPayload
	}

	userID, ok := s.userIDFromMetadata(event, obj.Metadata)
	if !ok {
		return nil
	}

	providerStatus := obj.Status
	if deleted {
		providerStatus = "canceled"
	}

	req := subscriptiondomain.SyncProviderStatusRequest{
		UserID:         userID,
		ProviderStatus: providerStatus,
	}
	if !deleted {
		capeCopy := obj.CancelAtPeriodEnd
		req.CancelAtPeriodEnd = &capeCopy
		if obj.CurrentPeriodEnd > 0 {
			end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
			req.CurrentPeriodEnd = &end
		}
	}

	if _, err := s.subscriptions.SyncProviderStatus(ctx, req); err != nil {
		if errors.Is(err, subscriptiondomain.ErrNotFound) {
			s.log.Warn("webhook references unknown subscription",
				zap.String("event_id", event.ID),
				zap.String("user_id", userID.String()),
			)
			return nil
		}
		return err
	}
	return nil
}

func (s *WebhookService) handleTrialWillEnd(ctx context.Context, event providerdomain.Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return providerdomain.ErrInvalidPayload
	}
	userID, ok := s.userIDFromMetadata(event, obj.Metadata)
	if !ok {
		return nil
	}
	payload := map[string]any{
		"user_id": userID.String(),
	}
	if obj.TrialEnd > 0 {
		payload["trial_end"] = time.Unix(obj.TrialEnd, 0).UTC().Format(time.RFC3339)
	}
	s.events.Publish(ctx, events.TopicTrialWillEnd, payload)
	return nil
}

// handleInvoiceNotification emits a notification event only; local invoice
// state is owned by the renewal path.
func (s *WebhookService) handleInvoiceNotification(ctx context.Context, event providerdomain.Event, topic string) error {
	var obj invoiceObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return providerdomain.ErrInvalidPayload
	}
	payload := map[string]any{
		"provider_invoice_id": obj.ID,
		"amount":              providerdomain.FromMinorUnits(obj.AmountDue),
		"currency":            obj.Currency,
	}
	if userID, ok := s.userIDFromMetadata(event, obj.Metadata); ok {
		payload["user_id"] = userID.String()
	}
	s.events.Publish(ctx, topic, payload)
	return nil
}

func (s *WebhookService) userIDFromMetadata(event providerdomain.Event, metadata map[string]string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(metadata["user_id"])
	if raw == "" {
		s.log.Warn("webhook event missing user mapping",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		s.log.Warn("webhook event carries malformed user id",
			zap.String("event_id", event.ID),
			zap.String("user_id", raw),
		)
		return 0, false
	}
	return id, true
}

type storedEnvelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode bool   `json:"livemode"`
	Created  int64  `json:"created"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func parseStoredEvent(record *domain.WebhookEvent) (providerdomain.Event, error) {
	var e storedEnvelope
	if err := json.Unmarshal([]byte(record.Payload), &e); err != nil {
		return providerdomain.Event{}, providerdomain.ErrInvalidPayload
	}
	occurredAt := record.ReceivedAt
	if e.Created > 0 {
		occurredAt = time.Unix(e.Created, 0).UTC()
	}
	return providerdomain.Event{
		ID:         record.ProviderEventID,
		Type:       record.Type,
		Livemode:   e.Livemode,
		OccurredAt: occurredAt,
		Object:     e.Data.Object,
		Raw:        []byte(record.Payload),
	}, nil
}

func (s *WebhookService) Stats(ctx context.Context) (domain.Stats, error) {
	now := s.clock.Now().UTC()
	stats := domain.Stats{ByType7d: map[string]int64{}}

	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&domain.WebhookEvent{})
	}
	if err := base().Count(&stats.Total).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := base().Where("processed = ? AND success = ?", true, true).
		Count(&stats.Processed).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := base().Where("processed = ? AND success = ?", true, false).
		Count(&stats.Failed).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := base().Where("received_at >= ?", now.Add(-24*time.Hour)).
		Count(&stats.Recent24h).Error; err != nil {
		return domain.Stats{}, err
	}

	if stats.Total > 0 {
		rate := float64(stats.Processed) / float64(stats.Total) * 100
		stats.SuccessRate = float64(int64(rate*100+0.5)) / 100
	}

	var rows []struct {
		Type  string
		Count int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT type, COUNT(*) AS count
		 FROM webhook_events
		 WHERE received_at >= ?
		 GROUP BY type`,
		now.Add(-7*24*time.Hour),
	).Scan(&rows).Error
	if err != nil {
		return domain.Stats{}, err
	}
	for _, row := range rows {
		stats.ByType7d[row.Type] = row.Count
	}
	return stats, nil
}

func (s *WebhookService) Recent(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []domain.WebhookEvent
	err := s.db.WithContext(ctx).
		Order("received_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
