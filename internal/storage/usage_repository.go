package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"llm_router/internal/models"
	"llm_router/internal/usage"
)

const insertUsageRecord = `
	INSERT INTO usage_records (
		reservation_id, tenant_id, provider, model, task_type,
		tokens_in, tokens_out, actual_cost, latency_ms,
		success, failure_reason, created_at
	) VALUES (
		:reservation_id, :tenant_id, :provider, :model, :task_type,
		:tokens_in, :tokens_out, :actual_cost, :latency_ms,
		:success, :failure_reason, :created_at
	)
	ON CONFLICT (reservation_id) DO NOTHING
`

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Append inserts one record. A record whose reservation id already exists is
// left untouched and reported as usage.ErrDuplicateRecord.
func (r *UsageRepository) Append(ctx context.Context, record models.UsageRecord) error {
	inserted, err := insertRecord(ctx, r.db.conn, record)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: %s", usage.ErrDuplicateRecord, record.ReservationID)
	}
	return nil
}

// InsertBatch inserts records in a single transaction; duplicates are skipped.
// It returns how many rows were actually written.
func (r *UsageRepository) InsertBatch(ctx context.Context, records []models.UsageRecord) (int, error) {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, record := range records {
		inserted, err := insertRecord(ctx, tx, record)
		if err != nil {
			return 0, err
		}
		if inserted {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return written, nil
}

// ListByTenant returns the newest records of a tenant created at or after since
func (r *UsageRepository) ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.UsageRecord, error) {
	query := `
		SELECT reservation_id, tenant_id, provider, model, task_type,
		       tokens_in, tokens_out, actual_cost, latency_ms,
		       success, failure_reason, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	var records []models.UsageRecord
	if err := r.db.conn.SelectContext(ctx, &records, query, tenantID, since, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}

func insertRecord(ctx context.Context, exec sqlx.ExtContext, record models.UsageRecord) (bool, error) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	result, err := sqlx.NamedExecContext(ctx, exec, insertUsageRecord, record)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}
