// Package queue moves usage records and threshold events off the request
// path. MemoryQueue is a buffered channel local to one router process and is
// only drained by that process's usage worker. RedisQueue is a Redis list
// shared by every router replica, so an outside consumer such as an alert
// deliverer can read it too.
//
// Flow:
//
//	Usage Recorder ──► usage queue ──► UsageQueueWorker ──► Postgres, archive
//	      │                                   │
//	      │                                   └─ retries exhausted ──► DLQ
//	      └─ threshold event ──► alerts queue (Redis only) ──► external deliverer
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO of JSON-encodable items
type Queue interface {
	// Enqueue appends item, waiting for room until ctx ends
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue waits for the first item, then takes up to maxItems without waiting further
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout is Dequeue that returns an empty batch once timeout passes
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue parks items the usage worker could not persist, for replay
type DeadLetterQueue interface {
	// Add parks item with the error that made it fail
	Add(ctx context.Context, item interface{}, err error) error

	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove drops an item by id; unknown ids return ErrItemNotFound
	Remove(ctx context.Context, id string) error

	Close() error
}

// DeadLetterItem is one parked item
type DeadLetterItem struct {
	ID        string
	Item      interface{}
	Error     string
	Timestamp time.Time
	Retries   int
}

// Config holds settings for one named queue and the worker that drains it
type Config struct {
	// BatchSize caps one worker batch; MemoryQueue buffers ten batches
	BatchSize int

	// BatchTimeout flushes a partial batch
	BatchTimeout time.Duration

	// MaxRetries bounds writes of one item before it is dead-lettered
	MaxRetries int

	// RetryBackoff doubles after every failed write
	RetryBackoff time.Duration

	UseRedis bool

	// QueueName suffixes the Redis key, e.g. queue:usage
	QueueName string
}

// DefaultConfig returns an in-memory queue config named queueName
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}
