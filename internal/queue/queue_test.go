package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offerlens/amazon-offer-scraper/internal/models"
)

func testUnit(t *testing.T, asin, zip string) models.WorkUnit {
	t.Helper()
	loc, err := models.NewLocation(zip)
	require.NoError(t, err)
	return models.WorkUnit{ASIN: asin, Location: loc}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewInMemoryQueue()

	first := testUnit(t, "B0AAAAAAA1", "10001")
	second := testUnit(t, "B0AAAAAAA2", "10001")
	third := testUnit(t, "B0AAAAAAA1", "94105")

	require.NoError(t, q.Push(NewItem(first)))
	require.NoError(t, q.Push(NewItem(second)))
	require.NoError(t, q.Push(NewItem(third)))
	assert.Equal(t, 3, q.Size())

	ctx := context.Background()
	for _, want := range []models.WorkUnit{first, second, third} {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.Key(), item.Unit.Key())
		assert.Equal(t, 1, item.Attempt)
	}
	assert.Equal(t, 0, q.Size())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewInMemoryQueue()
	unit := testUnit(t, "B0AAAAAAA1", "10001")

	popped := make(chan *Item, 1)
	go func() {
		item, err := q.Pop(context.Background())
		if err == nil {
			popped <- item
		}
	}()

	select {
	case <-popped:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Push(NewItem(unit)))

	select {
	case item := <-popped:
		assert.Equal(t, unit.Key(), item.Unit.Key())
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueueCloseWakesBlockedPop(t *testing.T) {
	q := NewInMemoryQueue()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrQueueClosed)
		case <-time.After(time.Second):
			t.Fatal("blocked Pop did not observe Close")
		}
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := NewInMemoryQueue()
	unit := testUnit(t, "B0AAAAAAA1", "10001")

	require.NoError(t, q.Push(NewItem(unit)))
	require.NoError(t, q.Close())

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, unit.Key(), item.Unit.Key())

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	assert.ErrorIs(t, q.Push(NewItem(unit)), ErrQueueClosed)
}

func TestQueuePopHonorsContext(t *testing.T) {
	q := NewInMemoryQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe context cancellation")
	}
}

func TestQueueAttemptTravelsWithItem(t *testing.T) {
	q := NewInMemoryQueue()
	unit := testUnit(t, "B0AAAAAAA1", "10001")

	item := NewItem(unit)
	item.Attempt = 2
	require.NoError(t, q.Push(item))

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
}
