// Package routing picks the next candidate whose estimated cost the tenant's
// budget can hold, reserving that amount before any provider is called.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"llm_router/internal/ledger"
	"llm_router/internal/metrics"
	"llm_router/internal/models"
	"llm_router/internal/utils"
)

// ErrNoCandidatesLeft is returned when the ledger rejected every remaining candidate
var ErrNoCandidatesLeft = errors.New("no candidates left")

// Rejection records why a candidate could not be reserved
type Rejection struct {
	Candidate models.Candidate
	Err       error
}

// NoCandidatesLeftError lists the budget rejections behind ErrNoCandidatesLeft.
// It also matches ledger.ErrBudgetExceeded.
type NoCandidatesLeftError struct {
	TenantID string
	Rejected []Rejection
}

func (e *NoCandidatesLeftError) Error() string {
	if len(e.Rejected) == 0 {
		return fmt.Sprintf("no candidates left for tenant %s", e.TenantID)
	}
	keys := make([]string, len(e.Rejected))
	for i, r := range e.Rejected {
		keys[i] = r.Candidate.Key()
	}
	return fmt.Sprintf("no candidates left for tenant %s: budget rejected %s", e.TenantID, strings.Join(keys, ", "))
}

func (e *NoCandidatesLeftError) Is(target error) bool {
	return target == ErrNoCandidatesLeft || target == ledger.ErrBudgetExceeded
}

// Engine is the routing policy engine
type Engine struct {
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewEngine creates a policy engine backed by l
func NewEngine(l ledger.Ledger, m *metrics.Metrics) *Engine {
	return &Engine{
		ledger:  l,
		metrics: m,
		logger:  utils.NewLogger("routing"),
	}
}

// SelectNext reserves the first candidate the tenant's budget accepts.
// Budget rejections move on to the next candidate; any other ledger error is
// returned as is, since it says nothing about the candidate.
func (e *Engine) SelectNext(ctx context.Context, candidates []models.Candidate, tenantID string) (models.Candidate, *models.Reservation, error) {
	var rejected []Rejection

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return models.Candidate{}, nil, err
		}

		reservation, err := e.ledger.Reserve(ctx, tenantID, candidate.EstimatedCost)
		switch {
		case err == nil:
			e.metrics.RecordReservation("granted")
			e.logger.Debug("Reserved budget",
				"tenant", tenantID,
				"candidate", candidate.Key(),
				"estimate", candidate.EstimatedCost,
				"reservation_id", reservation.ID,
			)
			return candidate, reservation, nil
		case errors.Is(err, ledger.ErrBudgetExceeded):
			e.metrics.RecordReservation("rejected")
			e.logger.Debug("Budget rejected candidate", "tenant", tenantID, "candidate", candidate.Key(), "estimate", candidate.EstimatedCost)
			rejected = append(rejected, Rejection{Candidate: candidate, Err: err})
		default:
			e.metrics.RecordReservation("error")
			return models.Candidate{}, nil, fmt.Errorf("reserve %s for tenant %s: %w", candidate.Key(), tenantID, err)
		}
	}

	return models.Candidate{}, nil, &NoCandidatesLeftError{TenantID: tenantID, Rejected: rejected}
}
