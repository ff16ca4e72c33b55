package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// WebhookEvent is the audit record for one provider delivery, keyed by the
// provider's event id. It is written on first sight and mutated once to a
// terminal processed state; failed events stay eligible for manual retry.
type WebhookEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex"`
	Type            string         `json:"type" gorm:"type:text;not null;index"`
	Payload         datatypes.JSON `json:"payload,omitempty"`
	Livemode        bool           `json:"livemode" gorm:"not null;default:false"`
	Processed       bool           `json:"processed" gorm:"not null;default:false"`
	Success         bool           `json:"success" gorm:"not null;default:false"`
	Error           string         `json:"error,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null;index"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// ProcessResult reports what happened to one inbound delivery.
type ProcessResult struct {
	EventID          string `json:"event_id"`
	Type             string `json:"type"`
	AlreadyProcessed bool   `json:"already_processed"`
	Message          string `json:"message,omitempty"`
}

// Stats summarizes the webhook audit trail.
type Stats struct {
	Total       int64            `json:"total"`
	Processed   int64            `json:"processed"`
	Failed      int64            `json:"failed"`
	Recent24h   int64            `json:"recent_24h"`
	SuccessRate float64          `json:"success_rate"`
	ByType7d    map[string]int64 `json:"by_type_7d"`
}

type Service interface {
	// Process verifies, records and dispatches one inbound delivery.
	Process(ctx context.Context, payload []byte, signature string) (ProcessResult, error)
	// Retry re-dispatches a previously failed event from its stored payload.
	Retry(ctx context.Context, providerEventID string) (ProcessResult, error)
	Stats(ctx context.Context) (Stats, error)
	Recent(ctx context.Context, limit int) ([]WebhookEvent, error)
}

var (
	ErrEventNotFound    = errors.New("webhook_event_not_found")
	ErrAlreadySucceeded = errors.New("webhook_event_already_succeeded")
	// ErrProcessingFailed marks a handler failure after a verified
	// delivery, as opposed to a signature or payload rejection.
	ErrProcessingFailed = errors.New("webhook_processing_failed")
)
