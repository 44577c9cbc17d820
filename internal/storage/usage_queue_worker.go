package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llm_router/internal/archive"
	"llm_router/internal/models"
	"llm_router/internal/queue"
	"llm_router/internal/usage"
	"llm_router/internal/utils"
)

// UsageWriter is the durable destination of the worker; *UsageRepository implements it
type UsageWriter interface {
	InsertBatch(ctx context.Context, records []models.UsageRecord) (int, error)
	Append(ctx context.Context, record models.UsageRecord) error
}

// UsageQueueWorker drains the usage queue into the database and, when
// configured, copies each persisted batch to the archive
type UsageQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	writer      UsageWriter
	archive     archive.Writer
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker. dlq and archiver may be
// nil; a nil writer sends records to the archive only.
func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, writer UsageWriter, archiver archive.Writer, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		archive:     archiver,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch persists one batch of usage records
func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Failed to dequeue usage records", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(items) == 0 {
		return
	}

	w.logger.Debug("Processing usage batch", "count", len(items))

	records := make([]models.UsageRecord, 0, len(items))
	for _, item := range items {
		var record models.UsageRecord
		if err := unmarshalItem(item, &record); err != nil {
			w.logger.Error("Failed to unmarshal usage record", "error", err)
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return
	}

	if w.writer == nil {
		w.archiveBatch(ctx, records)
		return
	}

	persisted := records
	if written, err := w.writer.InsertBatch(ctx, records); err != nil {
		w.logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		persisted = persisted[:0:0]
		for _, record := range records {
			if err := w.processItem(ctx, record); err != nil {
				w.logger.Error("Failed to process usage record", "reservation_id", record.ReservationID, "error", err)
				continue
			}
			persisted = append(persisted, record)
		}
	} else {
		w.logger.Debug("Inserted batch successfully", "count", len(records), "written", written)
	}

	w.archiveBatch(ctx, persisted)
}

// processItem inserts a single record with retries, then dead-letters it
func (w *UsageQueueWorker) processItem(ctx context.Context, record models.UsageRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage record", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		err := w.writer.Append(ctx, record)
		if err == nil || errors.Is(err, usage.ErrDuplicateRecord) {
			return nil
		}
		lastErr = err
		w.logger.Error("Failed to insert usage record", "attempt", attempt, "error", err)
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.WithoutCancel(ctx), record, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage record moved to DLQ", "reservation_id", record.ReservationID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// archiveBatch copies records to the archive; failures do not affect the database write
func (w *UsageQueueWorker) archiveBatch(ctx context.Context, records []models.UsageRecord) {
	if w.archive == nil || len(records) == 0 {
		return
	}
	if err := w.archive.WriteBatch(ctx, records); err != nil {
		w.logger.Error("Failed to archive usage batch", "count", len(records), "error", err)
	}
}

// sleep waits for d or until the worker is stopped; it reports whether the full wait elapsed
func (w *UsageQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

// unmarshalItem converts a queue item into a UsageRecord
func unmarshalItem(item interface{}, record *models.UsageRecord) error {
	switch v := item.(type) {
	case *models.UsageRecord:
		*record = *v
		return nil
	case models.UsageRecord:
		*record = v
		return nil
	case []byte:
		return json.Unmarshal(v, record)
	case json.RawMessage:
		return json.Unmarshal(v, record)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, record)
	}
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a dead-lettered record
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
