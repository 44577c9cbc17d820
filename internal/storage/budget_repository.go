package storage

import (
	"context"
	"fmt"

	"llm_router/internal/models"
)

// BudgetRepository reads and writes configured tenant budget limits.
// Live counters are owned by the ledger; this table only holds limits.
type BudgetRepository struct {
	db *DB
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// List returns every configured budget row
func (r *BudgetRepository) List(ctx context.Context) ([]models.TenantBudget, error) {
	query := `
		SELECT tenant_id, period_kind, limit_amount, enforce, alert_threshold_pct
		FROM tenant_budgets
		ORDER BY tenant_id, period_kind
	`

	var budgets []models.TenantBudget
	if err := r.db.conn.SelectContext(ctx, &budgets, query); err != nil {
		return nil, fmt.Errorf("failed to list tenant budgets: %w", err)
	}
	return budgets, nil
}

// Upsert stores the limit settings of a budget row
func (r *BudgetRepository) Upsert(ctx context.Context, budget models.TenantBudget) error {
	if err := budget.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO tenant_budgets (tenant_id, period_kind, limit_amount, enforce, alert_threshold_pct, updated_at)
		VALUES (:tenant_id, :period_kind, :limit_amount, :enforce, :alert_threshold_pct, NOW())
		ON CONFLICT (tenant_id, period_kind) DO UPDATE SET
			limit_amount = EXCLUDED.limit_amount,
			enforce = EXCLUDED.enforce,
			alert_threshold_pct = EXCLUDED.alert_threshold_pct,
			updated_at = NOW()
	`

	if _, err := r.db.conn.NamedExecContext(ctx, query, budget); err != nil {
		return fmt.Errorf("failed to upsert tenant budget: %w", err)
	}
	return nil
}
