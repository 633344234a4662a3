// Package events publishes domain events through the transactional outbox.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/models"
)

type EventType string

const (
	// EventTypePriceAlert is consumed by the mailer that delivers price drop emails.
	EventTypePriceAlert EventType = "PRICE_ALERT"
)

var ErrNoRecipient = errors.New("price alert needs a user id and an email")

// PriceAlert is the payload of a PRICE_ALERT event: one rendered message for
// one user.
type PriceAlert struct {
	EventID   string               `json:"event_id"`
	EventType string               `json:"event_type"`
	Timestamp time.Time            `json:"timestamp"`
	UserID    string               `json:"user_id"`
	Email     string               `json:"email"`
	Name      string               `json:"name,omitempty"`
	Subject   string               `json:"subject"`
	Body      string               `json:"body"`
	Changes   []models.PriceChange `json:"changes"`
	Source    string               `json:"source"`
}

// OutboxWriter stores an event for the relay; database.OutboxRepository
// implements it.
type OutboxWriter interface {
	Insert(ctx context.Context, event *database.OutboxEvent) error
}

type Publisher struct {
	outbox OutboxWriter
	stream string
	logger *slog.Logger
}

// NewPublisher publishes to stream, or to the default alert stream when it
// is empty.
func NewPublisher(outbox OutboxWriter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultAlertStream
	}
	return &Publisher{
		outbox: outbox,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *Publisher) PublishPriceAlert(ctx context.Context, alert *PriceAlert) error {
	if alert.UserID == "" || alert.Email == "" {
		return ErrNoRecipient
	}
	if alert.EventID == "" {
		alert.EventID = uuid.New().String()
	}
	alert.EventType = string(EventTypePriceAlert)
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Source == "" {
		alert.Source = "scraper"
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: "user",
		AggregateID:   alert.UserID,
		EventType:     string(EventTypePriceAlert),
		Payload:       data,
		TargetStream:  p.stream,
	}
	if err := p.outbox.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", alert.EventType,
		"event_id", alert.EventID,
		"user_id", alert.UserID,
		"changes", len(alert.Changes),
		"outbox_id", event.ID,
	)
	return nil
}
