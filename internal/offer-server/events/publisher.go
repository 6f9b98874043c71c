package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeOfferObserved is published when a unit resolves with a record,
	// complete or partial
	EventTypeOfferObserved EventType = "OFFER_OBSERVED"
	// EventTypeScrapeBlocked is published when the site served a challenge
	// page for a unit
	EventTypeScrapeBlocked EventType = "SCRAPE_BLOCKED"
)

// OfferObservedPayload is the event body for a resolved offer
type OfferObservedPayload struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	JobID         string    `json:"job_id,omitempty"`
	ASIN          string    `json:"asin"`
	PostalCode    string    `json:"postal_code"`
	Status        string    `json:"status"`
	Title         string    `json:"title,omitempty"`
	Brand         string    `json:"brand,omitempty"`
	SellingPrice  *float64  `json:"selling_price,omitempty"`
	ListPrice     *float64  `json:"list_price,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Availability  string    `json:"availability"`
	Rating        *float64  `json:"rating,omitempty"`
	ReviewCount   *int      `json:"review_count,omitempty"`
	SoldBy        string    `json:"sold_by,omitempty"`
	MissingFields []string  `json:"missing_fields,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
	Source        string    `json:"source"`
}

// ScrapeBlockedPayload is the event body for a unit the site refused
type ScrapeBlockedPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id,omitempty"`
	ASIN       string    `json:"asin"`
	PostalCode string    `json:"postal_code"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Source     string    `json:"source"`
}

// ObservedFromOutcome builds the event payload for a resolved unit
func ObservedFromOutcome(jobID uuid.UUID, unit models.WorkUnit, outcome models.Outcome) *OfferObservedPayload {
	payload := &OfferObservedPayload{
		JobID:         jobID.String(),
		ASIN:          unit.ASIN,
		PostalCode:    unit.Location.PostalCode,
		Status:        string(outcome.Status),
		MissingFields: outcome.MissingFields,
		ObservedAt:    outcome.CompletedAt,
		Availability:  string(models.AvailabilityUnknown),
	}

	if r := outcome.Record; r != nil {
		payload.Title = r.Title
		payload.Brand = r.Brand
		payload.SellingPrice = r.SellingPrice
		payload.ListPrice = r.ListPrice
		payload.Currency = r.Currency
		payload.Availability = string(r.Availability)
		payload.Rating = r.Rating
		payload.ReviewCount = r.ReviewCount
		payload.SoldBy = r.SoldBy
	}

	return payload
}

// BlockedFromOutcome builds the event payload for a blocked unit
func BlockedFromOutcome(jobID uuid.UUID, unit models.WorkUnit, outcome models.Outcome) *ScrapeBlockedPayload {
	return &ScrapeBlockedPayload{
		JobID:      jobID.String(),
		ASIN:       unit.ASIN,
		PostalCode: unit.Location.PostalCode,
		Attempts:   outcome.Attempts,
		Error:      outcome.Error,
	}
}

// outboxInserter is the slice of OutboxRepository the publisher needs
type outboxInserter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes offer events through the transactional outbox. Events
// become visible on the stream only after the surrounding transaction
// commits, so consumers never see an offer whose row was rolled back.
type Publisher struct {
	outbox outboxInserter
	stream string
	logger *slog.Logger
}

// NewPublisher creates a new event publisher writing to the given stream
func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultStream
	}
	return &Publisher{
		outbox: database.NewOutboxRepository(db),
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishOfferObserved enqueues an OFFER_OBSERVED event within the caller's
// transaction
func (p *Publisher) PublishOfferObserved(ctx context.Context, tx pgx.Tx, payload *OfferObservedPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeOfferObserved)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "offer-scraper"
	}

	return p.insert(ctx, tx, payload.ASIN+"@"+payload.PostalCode, EventTypeOfferObserved, payload)
}

// PublishScrapeBlocked enqueues a SCRAPE_BLOCKED event within the caller's
// transaction
func (p *Publisher) PublishScrapeBlocked(ctx context.Context, tx pgx.Tx, payload *ScrapeBlockedPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeScrapeBlocked)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "offer-scraper"
	}

	return p.insert(ctx, tx, payload.ASIN+"@"+payload.PostalCode, EventTypeScrapeBlocked, payload)
}

func (p *Publisher) insert(ctx context.Context, tx pgx.Tx, aggregateID string, typ EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: "offer",
		AggregateID:   aggregateID,
		EventType:     string(typ),
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.InsertWithTx(ctx, tx, outboxEvent); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Debug("event queued to outbox",
		"type", typ,
		"aggregate_id", aggregateID,
		"outbox_id", outboxEvent.ID,
	)

	return nil
}
