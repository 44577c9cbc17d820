package ledger

import (
	"errors"
	"fmt"

	"llm_router/internal/models"
)

var (
	// ErrBudgetExceeded is returned when an enforced budget row cannot absorb a reservation
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrAlreadyFinalized is returned when a reservation was already committed or released
	ErrAlreadyFinalized = errors.New("reservation already finalized")

	// ErrReservationNotFound is returned for unknown reservation ids
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrTenantNotFound is returned when a tenant has no budget rows
	ErrTenantNotFound = errors.New("tenant has no budget")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("amount must not be negative")
)

// BudgetExceededError names the budget row that rejected a reservation.
type BudgetExceededError struct {
	TenantID  string
	Period    models.Period
	Requested float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for tenant %s (%s): requested %.6f", e.TenantID, e.Period, e.Requested)
}

func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
