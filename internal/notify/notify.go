package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	CategoryViolationAlert = "violation_alert"
	CategoryStreamHealth   = "stream_health"
)

type Notification struct {
	ID          uuid.UUID `json:"id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Category    string    `json:"notification_type"`
	RelatedID   *string   `json:"related_object_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Dispatcher hands a notification to the delivery layer. Delivery itself
// happens asynchronously downstream.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// LogDispatcher only records notifications. Used when no broker is
// configured.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With().Str("component", "notify").Logger()}
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) error {
	d.log.Info().
		Str("recipient_id", n.RecipientID.String()).
		Str("category", n.Category).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

func (d *LogDispatcher) SendSMS(_ context.Context, phone, message string) error {
	d.log.Info().Str("phone", phone).Msg(message)
	return nil
}
