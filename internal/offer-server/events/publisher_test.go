package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

// MockOutbox is a mock for the outbox repository
type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func testUnit(t *testing.T, asin, postal string) models.WorkUnit {
	t.Helper()
	loc, err := models.NewLocation(postal)
	require.NoError(t, err)
	return models.WorkUnit{ASIN: asin, Location: loc}
}

func TestPublisher_PublishOfferObserved(t *testing.T) {
	ctx := context.Background()

	t.Run("successfully queue to outbox", func(t *testing.T) {
		mockOutbox := new(MockOutbox)

		publisher := &Publisher{
			outbox: mockOutbox,
			stream: "stream:offer_events",
			logger: slog.Default(),
		}

		price := 19.99
		payload := &OfferObservedPayload{
			ASIN:         "B00EXAMPLE1",
			PostalCode:   "10001",
			Status:       "success",
			Title:        "Anker 735 Charger",
			SellingPrice: &price,
			Availability: "in_stock",
		}

		mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
			assert.Equal(t, "offer", event.AggregateType)
			assert.Equal(t, "B00EXAMPLE1@10001", event.AggregateID)
			assert.Equal(t, "OFFER_OBSERVED", event.EventType)
			assert.Equal(t, "stream:offer_events", event.TargetStream)

			var p OfferObservedPayload
			err := json.Unmarshal(event.Payload, &p)
			assert.NoError(t, err)
			assert.Equal(t, "B00EXAMPLE1", p.ASIN)
			assert.Equal(t, "10001", p.PostalCode)
			assert.NotEmpty(t, p.EventID)
			assert.Equal(t, "OFFER_OBSERVED", p.EventType)
			assert.Equal(t, "offer-scraper", p.Source)
			require.NotNil(t, p.SellingPrice)
			assert.InDelta(t, 19.99, *p.SellingPrice, 0.001)

			return true
		})).Return(nil)

		err := publisher.PublishOfferObserved(ctx, nil, payload)
		require.NoError(t, err)

		mockOutbox.AssertExpectations(t)
	})

	t.Run("set default values", func(t *testing.T) {
		mockOutbox := new(MockOutbox)

		publisher := &Publisher{
			outbox: mockOutbox,
			stream: "stream:offer_events",
			logger: slog.Default(),
		}

		payload := &OfferObservedPayload{
			ASIN:       "B00EXAMPLE1",
			PostalCode: "10001",
		}

		mockOutbox.On("InsertWithTx", ctx, nil, mock.Anything).Return(nil)

		err := publisher.PublishOfferObserved(ctx, nil, payload)
		require.NoError(t, err)

		assert.NotEmpty(t, payload.EventID)
		assert.Equal(t, "OFFER_OBSERVED", payload.EventType)
		assert.Equal(t, "offer-scraper", payload.Source)
		assert.False(t, payload.Timestamp.IsZero())
	})

	t.Run("propagate outbox insert failure", func(t *testing.T) {
		mockOutbox := new(MockOutbox)

		publisher := &Publisher{
			outbox: mockOutbox,
			stream: "stream:offer_events",
			logger: slog.Default(),
		}

		payload := &OfferObservedPayload{
			ASIN:       "B00EXAMPLE1",
			PostalCode: "10001",
		}

		mockOutbox.On("InsertWithTx", ctx, nil, mock.Anything).Return(assert.AnError)

		err := publisher.PublishOfferObserved(ctx, nil, payload)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert outbox event")

		mockOutbox.AssertExpectations(t)
	})
}

func TestPublisher_PublishScrapeBlocked(t *testing.T) {
	ctx := context.Background()

	mockOutbox := new(MockOutbox)

	publisher := &Publisher{
		outbox: mockOutbox,
		stream: "stream:offer_events",
		logger: slog.Default(),
	}

	payload := &ScrapeBlockedPayload{
		ASIN:       "B00EXAMPLE2",
		PostalCode: "94105",
		Attempts:   1,
		Error:      "blocked by anti-bot protection: challenge page",
	}

	mockOutbox.On("InsertWithTx", ctx, nil, mock.MatchedBy(func(event *database.OutboxEvent) bool {
		assert.Equal(t, "offer", event.AggregateType)
		assert.Equal(t, "B00EXAMPLE2@94105", event.AggregateID)
		assert.Equal(t, "SCRAPE_BLOCKED", event.EventType)

		var p ScrapeBlockedPayload
		err := json.Unmarshal(event.Payload, &p)
		assert.NoError(t, err)
		assert.Equal(t, 1, p.Attempts)
		assert.Contains(t, p.Error, "blocked")

		return true
	})).Return(nil)

	err := publisher.PublishScrapeBlocked(ctx, nil, payload)
	require.NoError(t, err)

	mockOutbox.AssertExpectations(t)
}

func TestObservedFromOutcome(t *testing.T) {
	jobID := uuid.New()
	unit := testUnit(t, "B00EXAMPLE1", "60601")

	record := models.NewProductRecord(unit.ASIN)
	record.Title = "Anker 735 Charger"
	record.Brand = "Anker"
	price := 19.99
	record.SellingPrice = &price
	record.Availability = models.AvailabilityInStock
	record.ScrapedAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	outcome := models.PartialOutcome(record, []string{"rating"}, 2)
	payload := ObservedFromOutcome(jobID, unit, outcome)

	assert.Equal(t, jobID.String(), payload.JobID)
	assert.Equal(t, "B00EXAMPLE1", payload.ASIN)
	assert.Equal(t, "60601", payload.PostalCode)
	assert.Equal(t, "partial_failure", payload.Status)
	assert.Equal(t, []string{"rating"}, payload.MissingFields)
	assert.Equal(t, "Anker 735 Charger", payload.Title)
	assert.Equal(t, "in_stock", payload.Availability)
	require.NotNil(t, payload.SellingPrice)
	assert.InDelta(t, 19.99, *payload.SellingPrice, 0.001)
	assert.Equal(t, outcome.CompletedAt, payload.ObservedAt)
}

func TestBlockedFromOutcome(t *testing.T) {
	jobID := uuid.New()
	unit := testUnit(t, "B00EXAMPLE2", "10001")

	outcome := models.FailureOutcome(models.ErrorKindBlocked, assert.AnError, 1)
	payload := BlockedFromOutcome(jobID, unit, outcome)

	assert.Equal(t, jobID.String(), payload.JobID)
	assert.Equal(t, "B00EXAMPLE2", payload.ASIN)
	assert.Equal(t, "10001", payload.PostalCode)
	assert.Equal(t, 1, payload.Attempts)
	assert.NotEmpty(t, payload.Error)
}
