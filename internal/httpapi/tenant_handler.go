package httpapi

import (
	"errors"
	"net/http"

	"llm_router/internal/ledger"
	"llm_router/internal/middleware"
	"llm_router/internal/models"
	"llm_router/internal/utils"
)

type budgetBody struct {
	models.TenantBudget
	Remaining float64 `json:"remaining"`
	UsagePct  float64 `json:"usage_pct"`
}

type budgetsResponse struct {
	TenantID string       `json:"tenant_id"`
	Budgets  []budgetBody `json:"budgets"`
}

// handleTenantBudget returns the live budget rows of one tenant
func (d *Dependencies) handleTenantBudget(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	ctx := r.Context()

	if !middleware.TenantAllowed(ctx, tenantID) {
		utils.RespondWithReason(w, http.StatusForbidden, "forbidden", "token is not valid for this tenant")
		return
	}

	rows, err := d.Budgets.GetBudgets(ctx, tenantID)
	if errors.Is(err, ledger.ErrTenantNotFound) {
		utils.RespondWithReason(w, http.StatusNotFound, "tenant_not_found", "tenant has no budget")
		return
	}
	if err != nil {
		d.logger.Error("Failed to read budgets", "tenant_id", tenantID, "error", err)
		utils.RespondWithReason(w, http.StatusServiceUnavailable, "ledger_unavailable", "budget ledger unavailable")
		return
	}

	resp := budgetsResponse{TenantID: tenantID, Budgets: make([]budgetBody, 0, len(rows))}
	for _, row := range rows {
		resp.Budgets = append(resp.Budgets, budgetBody{
			TenantBudget: row,
			Remaining:    row.Remaining(),
			UsagePct:     row.UsagePct(),
		})
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}
