// Package usage finalizes reservations in the ledger and appends the usage record.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_router/internal/alerting"
	"llm_router/internal/ledger"
	"llm_router/internal/metrics"
	"llm_router/internal/models"
	"llm_router/internal/utils"
)

// finalizeTimeout bounds ledger and store calls made after the caller may have gone away.
const finalizeTimeout = 5 * time.Second

// Call describes a completed provider call
type Call struct {
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Config holds recorder settings
type Config struct {
	// AuditFailures enables Audit records for terminal failures
	AuditFailures bool
}

// Recorder is the usage recorder
type Recorder struct {
	ledger   ledger.Ledger
	store    Store
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time
	logger   *utils.Logger
}

// NewRecorder creates a recorder; store and notifier may be nil
func NewRecorder(l ledger.Ledger, store Store, notifier alerting.Notifier, m *metrics.Metrics, config Config) *Recorder {
	return &Recorder{
		ledger:   l,
		store:    store,
		notifier: notifier,
		metrics:  m,
		config:   config,
		now:      time.Now,
		logger:   utils.NewLogger("usage-recorder"),
	}
}

// finalizeContext keeps values from ctx but outlives its cancellation, so a
// cancelled request still releases its hold.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// Commit charges the measured cost of a successful call, emits threshold
// events and appends the usage record. It returns the charged cost.
func (r *Recorder) Commit(ctx context.Context, reservation *models.Reservation, candidate models.Candidate, taskType string, call Call) (float64, error) {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	cost := candidate.Cost(call.TokensIn, call.TokensOut)

	err := r.ledger.Commit(ctx, reservation.ID, cost)
	switch {
	case err == nil:
		r.checkThreshold(ctx, reservation.TenantID)
	case errors.Is(err, ledger.ErrAlreadyFinalized):
		r.logger.Warn("Reservation already finalized on commit", "reservation_id", reservation.ID, "tenant", reservation.TenantID)
	default:
		r.logger.Error("Failed to commit reservation", "reservation_id", reservation.ID, "tenant", reservation.TenantID, "error", err)
		return cost, fmt.Errorf("commit reservation %s: %w", reservation.ID, err)
	}

	r.append(ctx, models.UsageRecord{
		ReservationID: reservation.ID,
		TenantID:      reservation.TenantID,
		Provider:      candidate.Provider,
		Model:         candidate.Model,
		TaskType:      taskType,
		TokensIn:      call.TokensIn,
		TokensOut:     call.TokensOut,
		ActualCost:    cost,
		LatencyMS:     call.Latency.Milliseconds(),
		Success:       true,
		Timestamp:     r.now().UTC(),
	})
	return cost, nil
}

// Release returns the hold of a failed attempt.
func (r *Recorder) Release(ctx context.Context, reservation *models.Reservation) error {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	err := r.ledger.Release(ctx, reservation.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAlreadyFinalized):
		r.logger.Warn("Reservation already finalized on release", "reservation_id", reservation.ID, "tenant", reservation.TenantID)
		return nil
	default:
		r.logger.Error("Failed to release reservation", "reservation_id", reservation.ID, "tenant", reservation.TenantID, "error", err)
		return fmt.Errorf("release reservation %s: %w", reservation.ID, err)
	}
}

// Audit appends a success=false, zero-cost record for the reservation that
// ended a request in failure. It does nothing unless AuditFailures is set.
func (r *Recorder) Audit(ctx context.Context, reservation *models.Reservation, candidate models.Candidate, taskType, reason string, latency time.Duration) {
	if !r.config.AuditFailures {
		return
	}
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	r.append(ctx, models.UsageRecord{
		ReservationID: reservation.ID,
		TenantID:      reservation.TenantID,
		Provider:      candidate.Provider,
		Model:         candidate.Model,
		TaskType:      taskType,
		LatencyMS:     latency.Milliseconds(),
		Success:       false,
		FailureReason: reason,
		Timestamp:     r.now().UTC(),
	})
}

func (r *Recorder) checkThreshold(ctx context.Context, tenantID string) {
	events, err := r.ledger.CheckThreshold(ctx, tenantID)
	if err != nil {
		r.logger.Error("Failed to check budget threshold", "tenant", tenantID, "error", err)
		return
	}
	for _, event := range events {
		r.metrics.RecordThresholdAlert(string(event.Period))
		if r.notifier == nil {
			continue
		}
		if err := r.notifier.Notify(ctx, event); err != nil {
			r.logger.Error("Failed to deliver threshold event", "tenant", tenantID, "period", event.Period, "error", err)
		}
	}
}

// append writes to the store; failures are logged, never returned.
func (r *Recorder) append(ctx context.Context, record models.UsageRecord) {
	if r.store == nil {
		return
	}
	err := r.store.Append(ctx, record)
	switch {
	case err == nil:
		r.metrics.RecordUsageAppend("appended")
	case errors.Is(err, ErrDuplicateRecord):
		r.metrics.RecordUsageAppend("duplicate")
		r.logger.Warn("Duplicate usage record rejected", "reservation_id", record.ReservationID)
	default:
		r.metrics.RecordUsageAppend("error")
		r.logger.Error("Failed to append usage record", "reservation_id", record.ReservationID, "error", err)
	}
}
