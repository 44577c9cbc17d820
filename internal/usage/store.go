package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_router/internal/models"
	"llm_router/internal/queue"
)

// ErrDuplicateRecord is returned when a record for the reservation was already appended
var ErrDuplicateRecord = errors.New("duplicate usage record")

// Store is the append-only usage sink keyed by reservation id
type Store interface {
	Append(ctx context.Context, record models.UsageRecord) error
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.UsageRecord
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.UsageRecord)}
}

// Append stores record unless its reservation id is already present
func (s *MemoryStore) Append(ctx context.Context, record models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ReservationID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, record.ReservationID)
	}
	s.records[record.ReservationID] = record
	return nil
}

// Records returns all records ordered by timestamp
func (s *MemoryStore) Records() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.UsageRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// QueueStore hands records to the usage queue for the storage worker
type QueueStore struct {
	queue queue.Queue
}

// NewQueueStore creates a store that publishes to q
func NewQueueStore(q queue.Queue) *QueueStore {
	return &QueueStore{queue: q}
}

// Append enqueues the record
func (s *QueueStore) Append(ctx context.Context, record models.UsageRecord) error {
	if err := s.queue.Enqueue(ctx, record); err != nil {
		return fmt.Errorf("failed to enqueue usage record: %w", err)
	}
	return nil
}

// DedupStore rejects repeated reservation ids with a Redis SETNX marker before
// delegating, so duplicates are dropped before they reach the queue.
type DedupStore struct {
	client *redis.Client
	next   Store
	ttl    time.Duration
	prefix string
}

// NewDedupStore wraps next with Redis-backed deduplication
func NewDedupStore(client *redis.Client, next Store, ttl time.Duration) *DedupStore {
	return &DedupStore{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "usage:seen:",
	}
}

// Append forwards the first record per reservation id
func (s *DedupStore) Append(ctx context.Context, record models.UsageRecord) error {
	key := s.prefix + record.ReservationID

	fresh, err := s.client.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to mark usage record: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, record.ReservationID)
	}

	if err := s.next.Append(ctx, record); err != nil {
		// Let a later retry through when the downstream append failed.
		s.client.Del(context.WithoutCancel(ctx), key)
		return err
	}
	return nil
}
