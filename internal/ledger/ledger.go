// Package ledger owns per-tenant spend state.
//
// Every operation that changes counters is a single atomic step: a reservation is
// checked against every enforced budget row of the tenant and written in the same
// step, so concurrent requests can never jointly overspend. Amounts cross the API
// in USD and are stored as integer micro-dollars.
package ledger

import (
	"context"
	"math"
	"time"

	"llm_router/internal/models"
)

// Ledger is the budget source of truth.
type Ledger interface {
	// Reserve holds amount against every budget row of the tenant
	Reserve(ctx context.Context, tenantID string, amount float64) (*models.Reservation, error)

	// Commit converts a held reservation into committed spend of actual. A
	// reservation already expired by the sweep is still charged once.
	Commit(ctx context.Context, reservationID string, actual float64) error

	// Release returns a held reservation to the budget
	Release(ctx context.Context, reservationID string) error

	// CheckThreshold reports threshold crossings not yet alerted in the current period
	CheckThreshold(ctx context.Context, tenantID string) ([]models.ThresholdEvent, error)

	// SweepExpired releases every held reservation whose TTL elapsed at now and
	// marks it expired
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// UpsertBudget creates a budget row or updates its settings, leaving counters alone
	UpsertBudget(ctx context.Context, budget models.TenantBudget) error

	// GetBudgets returns the tenant's budget rows
	GetBudgets(ctx context.Context, tenantID string) ([]models.TenantBudget, error)

	// ResetPeriod zeroes counters and the alerted flag for a new period
	ResetPeriod(ctx context.Context, tenantID string, period models.Period) error
}

// Config holds ledger settings
type Config struct {
	// ReservationTTL bounds how long an unfinalized reservation holds budget
	ReservationTTL time.Duration

	// FinalizedRetention is how long finalized reservations are remembered
	// so that a repeated commit or release reports ErrAlreadyFinalized
	FinalizedRetention time.Duration

	// KeyPrefix namespaces Redis keys
	KeyPrefix string

	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// DefaultConfig returns default ledger configuration
func DefaultConfig() Config {
	return Config{
		ReservationTTL:     5 * time.Minute,
		FinalizedRetention: 24 * time.Hour,
		KeyPrefix:          "ledger",
		Now:                time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = def.ReservationTTL
	}
	if c.FinalizedRetention <= 0 {
		c.FinalizedRetention = def.FinalizedRetention
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

func fromMicros(m int64) float64 {
	return float64(m) / 1e6
}

func thresholdEvent(tenantID string, period models.Period, committed, limit int64, at time.Time) models.ThresholdEvent {
	return models.ThresholdEvent{
		TenantID:  tenantID,
		Period:    period,
		Pct:       float64(committed) / float64(limit) * 100,
		Committed: fromMicros(committed),
		Limit:     fromMicros(limit),
		At:        at,
	}
}

// crossed reports whether committed has reached pct percent of limit.
func crossed(committed, limit int64, pct float64) bool {
	if limit <= 0 || pct <= 0 {
		return false
	}
	return float64(committed)*100 >= float64(limit)*pct
}
