package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxInsertValidation(t *testing.T) {
	ctx := context.Background()
	repo := &OutboxRepository{}

	// Validation runs before the transaction is touched, so a nil tx is fine
	testCases := []struct {
		name  string
		event *OutboxEvent
	}{
		{
			name: "missing aggregate type",
			event: &OutboxEvent{
				AggregateID: "B00EXAMPLE1@10001",
				EventType:   "OFFER_OBSERVED",
				Payload:     json.RawMessage(`{}`),
			},
		},
		{
			name: "missing aggregate id",
			event: &OutboxEvent{
				AggregateType: "offer",
				EventType:     "OFFER_OBSERVED",
				Payload:       json.RawMessage(`{}`),
			},
		},
		{
			name: "missing event type",
			event: &OutboxEvent{
				AggregateType: "offer",
				AggregateID:   "B00EXAMPLE1@10001",
				Payload:       json.RawMessage(`{}`),
			},
		},
		{
			name: "missing payload",
			event: &OutboxEvent{
				AggregateType: "offer",
				AggregateID:   "B00EXAMPLE1@10001",
				EventType:     "OFFER_OBSERVED",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := repo.InsertWithTx(ctx, nil, tc.event)
			assert.Error(t, err)
		})
	}
}

func TestNextRetryAtBackoff(t *testing.T) {
	testCases := []struct {
		retryCount int
		delay      time.Duration
	}{
		{retryCount: 1, delay: 2 * time.Second},
		{retryCount: 2, delay: 4 * time.Second},
		{retryCount: 3, delay: 8 * time.Second},
		{retryCount: 8, delay: 256 * time.Second},
		{retryCount: 9, delay: 300 * time.Second}, // capped
		{retryCount: 20, delay: 300 * time.Second},
	}

	for _, tc := range testCases {
		got := time.Until(nextRetryAt(tc.retryCount))
		assert.InDelta(t, tc.delay.Seconds(), got.Seconds(), 1.0,
			"retry %d should back off about %s", tc.retryCount, tc.delay)
	}
}

func TestOutboxRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: "offer",
		AggregateID:   "B00EXAMPLE1@10001",
		EventType:     "OFFER_OBSERVED",
		Payload:       json.RawMessage(`{"asin":"B00EXAMPLE1","postal_code":"10001"}`),
	}

	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	})
	require.NoError(t, err)
	assert.Equal(t, OutboxStatusPending, event.Status)
	assert.Equal(t, DefaultStream, event.TargetStream)

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	err = repo.MarkProcessed(ctx, event.ID)
	require.NoError(t, err)

	pending, err = repo.GetPending(ctx, 10)
	require.NoError(t, err)
	for _, e := range pending {
		assert.NotEqual(t, event.ID, e.ID)
	}
}

func TestOutboxMarkFailedMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	event := &OutboxEvent{
		AggregateType: "offer",
		AggregateID:   "B00EXAMPLE2@94105",
		EventType:     "SCRAPE_BLOCKED",
		Payload:       json.RawMessage(`{"asin":"B00EXAMPLE2"}`),
		RetryCount:    MaxRetryCount - 1,
	}

	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.InsertWithTx(ctx, tx, event)
	})
	require.NoError(t, err)

	err = repo.MarkFailed(ctx, event.ID, assert.AnError)
	require.NoError(t, err)

	var status string
	var retryCount int
	err = db.QueryRow(ctx,
		"SELECT status, retry_count FROM outbox_event WHERE id = $1",
		event.ID).Scan(&status, &retryCount)
	require.NoError(t, err)

	assert.Equal(t, OutboxStatusDeadLetter, status)
	assert.Equal(t, MaxRetryCount, retryCount)
}

// setupTestDB creates a test database connection
// In a real implementation, this would use a test container or test database
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	// This is a placeholder - implement based on your test setup
	// For now, we'll skip if no test DB is available
	t.Skip("Test database not configured")
	return nil
}
