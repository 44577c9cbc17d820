// Package alerting hands budget threshold events to delivery collaborators.
// Delivery itself (email, chat) happens outside the router.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_router/internal/models"
	"llm_router/internal/queue"
	"llm_router/internal/utils"
)

// Notifier receives threshold crossings
type Notifier interface {
	Notify(ctx context.Context, event models.ThresholdEvent) error
}

// LogNotifier writes threshold crossings to the log
type LogNotifier struct {
	logger *utils.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: utils.NewLogger("alerts")}
}

// Notify logs the event
func (n *LogNotifier) Notify(ctx context.Context, event models.ThresholdEvent) error {
	n.logger.Warn("Budget threshold crossed",
		"tenant", event.TenantID,
		"period", event.Period,
		"pct", fmt.Sprintf("%.2f", event.Pct),
		"committed", event.Committed,
		"limit", event.Limit,
	)
	return nil
}

// DefaultEnqueueTimeout bounds how long Notify waits on a full queue
const DefaultEnqueueTimeout = 100 * time.Millisecond

// QueueNotifier enqueues events for an external deliverer
type QueueNotifier struct {
	queue   queue.Queue
	timeout time.Duration
}

// NewQueueNotifier creates a notifier that publishes to q
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return NewQueueNotifierWithTimeout(q, DefaultEnqueueTimeout)
}

// NewQueueNotifierWithTimeout creates a notifier that gives up on an enqueue after timeout
func NewQueueNotifierWithTimeout(q queue.Queue, timeout time.Duration) *QueueNotifier {
	return &QueueNotifier{queue: q, timeout: timeout}
}

// Notify enqueues the event. A queue nobody drains drops the event after
// the enqueue timeout instead of stalling the commit that crossed the threshold.
func (n *QueueNotifier) Notify(ctx context.Context, event models.ThresholdEvent) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.queue.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue threshold event: %w", err)
	}
	return nil
}

// MultiNotifier fans an event out to every notifier
type MultiNotifier []Notifier

// Notify delivers to all notifiers and joins their errors
func (m MultiNotifier) Notify(ctx context.Context, event models.ThresholdEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
