package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_router/internal/models"
	"llm_router/internal/queue"
	"llm_router/internal/usage"
)

// mockUsageWriter simulates database operations for testing
type mockUsageWriter struct {
	mu          sync.Mutex
	records     map[string]models.UsageRecord
	batchErr    error
	failCount   int
	maxFails    int
	batchCalls  int
	appendCalls int
}

func newMockUsageWriter() *mockUsageWriter {
	return &mockUsageWriter{records: make(map[string]models.UsageRecord)}
}

func (m *mockUsageWriter) InsertBatch(ctx context.Context, records []models.UsageRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if m.batchErr != nil {
		return 0, m.batchErr
	}
	written := 0
	for _, r := range records {
		if _, ok := m.records[r.ReservationID]; ok {
			continue
		}
		m.records[r.ReservationID] = r
		written++
	}
	return written, nil
}

func (m *mockUsageWriter) Append(ctx context.Context, record models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.failCount < m.maxFails {
		m.failCount++
		return fmt.Errorf("simulated database error")
	}
	if _, ok := m.records[record.ReservationID]; ok {
		return usage.ErrDuplicateRecord
	}
	m.records[record.ReservationID] = record
	return nil
}

func (m *mockUsageWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockArchive struct {
	mu      sync.Mutex
	batches [][]models.UsageRecord
}

func (a *mockArchive) WriteBatch(ctx context.Context, records []models.UsageRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, append([]models.UsageRecord(nil), records...))
	return nil
}

func (a *mockArchive) Close() error { return nil }

func (a *mockArchive) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.batches {
		n += len(b)
	}
	return n
}

func testQueueConfig() *queue.Config {
	config := queue.DefaultConfig("test-usage")
	config.BatchSize = 10
	config.BatchTimeout = 50 * time.Millisecond
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	return config
}

func record(id string) models.UsageRecord {
	return models.UsageRecord{
		ReservationID: id,
		TenantID:      "acme",
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		TaskType:      "chat",
		TokensIn:      100,
		TokensOut:     50,
		ActualCost:    0.00005,
		Success:       true,
		Timestamp:     time.Now().UTC(),
	}
}

func TestUsageQueueWorker_PersistsAndArchivesBatch(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	writer := newMockUsageWriter()
	arch := &mockArchive{}

	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, q.Enqueue(ctx, record(id)))
	}

	w := NewUsageQueueWorker(q, queue.NewMemoryDeadLetterQueue(), writer, arch, config)
	w.processBatch(ctx)

	assert.Equal(t, 3, writer.count())
	assert.Equal(t, 3, arch.total())
	n, err := w.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUsageQueueWorker_ArchiveOnlyWithoutWriter(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	arch := &mockArchive{}

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, record("r1")))
	require.NoError(t, q.Enqueue(ctx, record("r2")))

	w := NewUsageQueueWorker(q, nil, nil, arch, config)
	w.processBatch(ctx)

	assert.Equal(t, 2, arch.total())
}

func TestUsageQueueWorker_FallsBackToSingleInserts(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	writer := newMockUsageWriter()
	writer.batchErr = errors.New("deadlock detected")
	writer.maxFails = 1

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, record("r1")))
	require.NoError(t, q.Enqueue(ctx, record("r2")))

	w := NewUsageQueueWorker(q, queue.NewMemoryDeadLetterQueue(), writer, nil, config)
	w.processBatch(ctx)

	assert.Equal(t, 2, writer.count())
	assert.Equal(t, 3, writer.appendCalls, "first append fails once and is retried")
}

func TestUsageQueueWorker_DeadLettersAfterRetries(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	writer := newMockUsageWriter()
	writer.batchErr = errors.New("connection refused")
	writer.maxFails = 100

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, record("r1")))

	w := NewUsageQueueWorker(q, dlq, writer, nil, config)
	w.processBatch(ctx)

	items, err := w.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "simulated database error")

	t.Run("retry re-enqueues and clears the item", func(t *testing.T) {
		writer.mu.Lock()
		writer.batchErr = nil
		writer.mu.Unlock()

		require.NoError(t, w.RetryDeadLetterItem(ctx, items[0].ID))
		w.processBatch(ctx)
		assert.Equal(t, 1, writer.count())

		left, err := w.GetDeadLetterItems(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, left)

		assert.ErrorIs(t, w.RetryDeadLetterItem(ctx, "missing"), queue.ErrItemNotFound)
	})
}

func TestUsageQueueWorker_DuplicatesAreNotRetried(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	writer := newMockUsageWriter()
	writer.records["r1"] = record("r1")
	writer.batchErr = errors.New("batch failed")

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, record("r1")))

	w := NewUsageQueueWorker(q, dlq, writer, nil, config)
	w.processBatch(ctx)

	assert.Equal(t, 1, writer.appendCalls)
	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUsageQueueWorker_StartStop(t *testing.T) {
	config := testQueueConfig()
	q := queue.NewMemoryQueue(config)
	defer q.Close()
	writer := newMockUsageWriter()

	w := NewUsageQueueWorker(q, nil, writer, nil, config)
	w.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, q.Enqueue(ctx, record(fmt.Sprintf("r%d", i))))
	}

	require.Eventually(t, func() bool { return writer.count() == 25 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())

	_, err := w.GetDeadLetterItems(ctx, 1)
	assert.Error(t, err, "no DLQ configured")
}

func TestUnmarshalItem(t *testing.T) {
	want := record("r1")
	tests := []struct {
		name string
		item interface{}
	}{
		{"value", want},
		{"pointer", &want},
		{"raw json", []byte(`{"reservation_id":"r1","tenant_id":"acme"}`)},
		{"map", map[string]interface{}{"reservation_id": "r1", "tenant_id": "acme"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.UsageRecord
			require.NoError(t, unmarshalItem(tt.item, &got))
			assert.Equal(t, "r1", got.ReservationID)
			assert.Equal(t, "acme", got.TenantID)
		})
	}
}
