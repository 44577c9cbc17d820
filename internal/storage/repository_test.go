package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_router/internal/models"
	"llm_router/internal/usage"
)

// setupTestDB connects to TEST_DATABASE_DSN, e.g.
//
//	docker run -d -p 5432:5432 -e POSTGRES_PASSWORD=postgres postgres:16
//	TEST_DATABASE_DSN="host=localhost user=postgres password=postgres sslmode=disable" go test ./internal/storage
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	conn, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	db := NewDBFromConn(conn)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = conn.ExecContext(ctx, "TRUNCATE usage_records, tenant_budgets")
	require.NoError(t, err)
	return db
}

func TestUsageRepository_AppendIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUsageRepository()
	ctx := context.Background()

	rec := record("res-1")
	require.NoError(t, repo.Append(ctx, rec))
	assert.ErrorIs(t, repo.Append(ctx, rec), usage.ErrDuplicateRecord)

	records, err := repo.ListByTenant(ctx, "acme", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "res-1", records[0].ReservationID)
	assert.InDelta(t, rec.ActualCost, records[0].ActualCost, 1e-12)
}

func TestUsageRepository_InsertBatchSkipsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewUsageRepository()
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, record("res-1")))

	written, err := repo.InsertBatch(ctx, []models.UsageRecord{record("res-1"), record("res-2"), record("res-3")})
	require.NoError(t, err)
	assert.Equal(t, 2, written)
}

func TestBudgetRepository_UpsertAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := db.NewBudgetRepository()
	ctx := context.Background()

	daily := models.TenantBudget{TenantID: "acme", Period: models.PeriodDaily, Limit: 50, Enforce: true, AlertThresholdPct: 80}
	require.NoError(t, repo.Upsert(ctx, daily))
	daily.Limit = 75
	require.NoError(t, repo.Upsert(ctx, daily))
	require.NoError(t, repo.Upsert(ctx, models.TenantBudget{TenantID: "acme", Period: models.PeriodMonthly, Limit: 1000, AlertThresholdPct: 90}))

	budgets, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, budgets, 2)
	assert.Equal(t, models.PeriodDaily, budgets[0].Period)
	assert.Equal(t, 75.0, budgets[0].Limit)
	assert.False(t, budgets[1].Enforce)

	assert.Error(t, repo.Upsert(ctx, models.TenantBudget{TenantID: "acme", Period: models.PeriodDaily, Limit: 1, AlertThresholdPct: 150}))
}

func TestDBConfig_DSN(t *testing.T) {
	cfg := DefaultDBConfig()
	cfg.Password = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=llmrouter user=postgres password=secret sslmode=disable", cfg.DSN())
}

func TestDBConfig_DSNPrefersURL(t *testing.T) {
	cfg := DefaultDBConfig()
	cfg.URL = "postgres://router:pw@db:5432/llmrouter?sslmode=require"
	assert.Equal(t, cfg.URL, cfg.DSN())
}
