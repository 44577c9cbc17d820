package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type usageItem struct {
	ReservationID string  `json:"reservation_id"`
	Cost          float64 `json:"cost"`
}

func TestMemoryQueue_EnqueueDequeueBatches(t *testing.T) {
	config := DefaultConfig("usage")
	config.BatchSize = 5
	q := NewMemoryQueue(config)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(ctx, usageItem{ReservationID: string(rune('a' + i))}))
	}

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	items, err := q.Dequeue(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, items, 5)
	assert.Equal(t, "a", items[0].(usageItem).ReservationID)

	items, err = q.Dequeue(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestMemoryQueue_DequeueWithTimeout(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("usage"))
	defer q.Close()
	ctx := context.Background()

	start := time.Now()
	items, err := q.DequeueWithTimeout(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, usageItem{ReservationID: "r1"}))
	items, err = q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMemoryQueue_ContextCancelled(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("usage"))
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("usage"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "double close is a no-op")

	ctx := context.Background()
	assert.ErrorIs(t, q.Enqueue(ctx, usageItem{}), ErrQueueClosed)
	_, err := q.Dequeue(ctx, 1)
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Length(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	config := DefaultConfig("usage")
	config.BatchSize = 50
	q := NewMemoryQueue(config)
	defer q.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, q.Enqueue(ctx, usageItem{Cost: 1}))
			}
		}()
	}
	wg.Wait()

	total := 0
	for total < 100 {
		items, err := q.DequeueWithTimeout(ctx, 30, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, items)
		total += len(items)
	}
	assert.Equal(t, 100, total)
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue()
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, usageItem{ReservationID: "r1"}, errors.New("insert failed")))
	require.NoError(t, dlq.Add(ctx, usageItem{ReservationID: "r2"}, ErrMaxRetriesExceeded))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "insert failed", items[0].Error)
	assert.NotEqual(t, items[0].ID, items[1].ID)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)

	require.NoError(t, dlq.Close())
	assert.ErrorIs(t, dlq.Add(ctx, usageItem{}, errors.New("x")), ErrQueueClosed)
}
