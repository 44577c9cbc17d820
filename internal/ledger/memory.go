package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm_router/internal/models"
)

type memoryBudget struct {
	limit       int64
	committed   int64
	reserved    int64
	enforce     bool
	threshold   float64
	alerted     bool
	periodStart time.Time
	epoch       int64
}

type memoryReservation struct {
	reservation models.Reservation
	amount      int64
	epochs      map[models.Period]int64
	finalizedAt time.Time
}

// MemoryLedger implements Ledger in process memory.
// A single mutex serializes counter updates; it is never held across I/O.
type MemoryLedger struct {
	mu           sync.Mutex
	config       Config
	budgets      map[string]map[models.Period]*memoryBudget
	reservations map[string]*memoryReservation
}

// NewMemoryLedger creates a new in-memory ledger
func NewMemoryLedger(config Config) *MemoryLedger {
	return &MemoryLedger{
		config:       config.withDefaults(),
		budgets:      make(map[string]map[models.Period]*memoryBudget),
		reservations: make(map[string]*memoryReservation),
	}
}

// Reserve holds amount against every budget row of the tenant
func (l *MemoryLedger) Reserve(ctx context.Context, tenantID string, amount float64) (*models.Reservation, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	micros := toMicros(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	rows := l.budgets[tenantID]
	if len(rows) == 0 {
		return nil, ErrTenantNotFound
	}

	var periods []models.Period
	for _, p := range models.Periods {
		row, ok := rows[p]
		if !ok {
			continue
		}
		if row.enforce && row.committed+row.reserved+micros > row.limit {
			return nil, &BudgetExceededError{TenantID: tenantID, Period: p, Requested: amount}
		}
		periods = append(periods, p)
	}

	now := l.config.Now()
	entry := &memoryReservation{
		reservation: models.Reservation{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Estimated: fromMicros(micros),
			Periods:   periods,
			CreatedAt: now,
			ExpiresAt: now.Add(l.config.ReservationTTL),
			State:     models.ReservationHeld,
		},
		amount: micros,
		epochs: make(map[models.Period]int64, len(periods)),
	}
	for _, p := range periods {
		rows[p].reserved += micros
		entry.epochs[p] = rows[p].epoch
	}
	l.reservations[entry.reservation.ID] = entry

	res := entry.reservation
	return &res, nil
}

// Commit converts a held reservation into committed spend of actual
func (l *MemoryLedger) Commit(ctx context.Context, reservationID string, actual float64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalizeLocked(reservationID, toMicros(actual), models.ReservationCommitted)
}

// Release returns a held reservation to the budget
func (l *MemoryLedger) Release(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalizeLocked(reservationID, 0, models.ReservationReleased)
}

func (l *MemoryLedger) finalizeLocked(reservationID string, actual int64, state models.ReservationState) error {
	entry, ok := l.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	// The sweep already returned an expired hold, so a late commit only charges.
	held := entry.reservation.State == models.ReservationHeld
	lateCommit := entry.reservation.State == models.ReservationExpired && state == models.ReservationCommitted
	if !held && !lateCommit {
		return ErrAlreadyFinalized
	}

	rows := l.budgets[entry.reservation.TenantID]
	for _, p := range entry.reservation.Periods {
		row, ok := rows[p]
		if !ok {
			continue
		}
		// A reset since the reservation was made already zeroed its hold.
		if held && row.epoch == entry.epochs[p] {
			row.reserved -= entry.amount
		}
		row.committed += actual
	}

	entry.reservation.State = state
	entry.finalizedAt = l.config.Now()
	return nil
}

// CheckThreshold reports threshold crossings not yet alerted in the current period
func (l *MemoryLedger) CheckThreshold(ctx context.Context, tenantID string) ([]models.ThresholdEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := l.budgets[tenantID]
	if len(rows) == 0 {
		return nil, ErrTenantNotFound
	}

	var events []models.ThresholdEvent
	now := l.config.Now()
	for _, p := range models.Periods {
		row, ok := rows[p]
		if !ok || row.alerted || !crossed(row.committed, row.limit, row.threshold) {
			continue
		}
		row.alerted = true
		events = append(events, thresholdEvent(tenantID, p, row.committed, row.limit, now))
	}
	return events, nil
}

// SweepExpired releases every held reservation whose TTL elapsed at now
func (l *MemoryLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for id, entry := range l.reservations {
		switch {
		case entry.reservation.State == models.ReservationHeld && entry.reservation.Expired(now):
			if err := l.finalizeLocked(id, 0, models.ReservationExpired); err == nil {
				released++
			}
		case entry.reservation.State != models.ReservationHeld && now.Sub(entry.finalizedAt) > l.config.FinalizedRetention:
			delete(l.reservations, id)
		}
	}
	return released, nil
}

// UpsertBudget creates a budget row or updates its settings, leaving counters alone
func (l *MemoryLedger) UpsertBudget(ctx context.Context, budget models.TenantBudget) error {
	if err := budget.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, ok := l.budgets[budget.TenantID]
	if !ok {
		rows = make(map[models.Period]*memoryBudget)
		l.budgets[budget.TenantID] = rows
	}
	row, ok := rows[budget.Period]
	if !ok {
		row = &memoryBudget{periodStart: budget.Period.Start(l.config.Now())}
		rows[budget.Period] = row
	}
	row.limit = toMicros(budget.Limit)
	row.enforce = budget.Enforce
	row.threshold = budget.AlertThresholdPct
	return nil
}

// GetBudgets returns the tenant's budget rows
func (l *MemoryLedger) GetBudgets(ctx context.Context, tenantID string) ([]models.TenantBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := l.budgets[tenantID]
	if len(rows) == 0 {
		return nil, ErrTenantNotFound
	}

	out := make([]models.TenantBudget, 0, len(rows))
	for _, p := range models.Periods {
		row, ok := rows[p]
		if !ok {
			continue
		}
		out = append(out, models.TenantBudget{
			TenantID:          tenantID,
			Period:            p,
			Limit:             fromMicros(row.limit),
			Committed:         fromMicros(row.committed),
			Reserved:          fromMicros(row.reserved),
			Enforce:           row.enforce,
			AlertThresholdPct: row.threshold,
			Alerted:           row.alerted,
			PeriodStart:       row.periodStart,
		})
	}
	return out, nil
}

// ResetPeriod zeroes counters and the alerted flag for a new period
func (l *MemoryLedger) ResetPeriod(ctx context.Context, tenantID string, period models.Period) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.budgets[tenantID][period]
	if !ok {
		return ErrTenantNotFound
	}
	row.committed = 0
	row.reserved = 0
	row.alerted = false
	row.epoch++
	row.periodStart = period.Start(l.config.Now())
	return nil
}
