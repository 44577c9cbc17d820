// Package orchestrator drives one request through its fallback chain:
//
//	SELECTING ──► CALLING ──► SUCCESS
//	    ▲            │
//	    │            ├──► FAILED_RETRYABLE ──┐
//	    │            │                       │
//	    └────────────┼───────────────────────┘
//	                 └──► FAILED_TERMINAL
//
// Every attempt reserves budget before the provider is called and commits or
// releases it afterwards, so no lock or hold outlives the request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_router/internal/models"
	"llm_router/internal/providers"
	"llm_router/internal/routing"
	"llm_router/internal/usage"
	"llm_router/internal/utils"
)

// Selector reserves the next affordable candidate; *routing.Engine implements it
type Selector interface {
	SelectNext(ctx context.Context, candidates []models.Candidate, tenantID string) (models.Candidate, *models.Reservation, error)
}

// Finalizer settles reservations; *usage.Recorder implements it
type Finalizer interface {
	Commit(ctx context.Context, reservation *models.Reservation, candidate models.Candidate, taskType string, call usage.Call) (float64, error)
	Release(ctx context.Context, reservation *models.Reservation) error
	Audit(ctx context.Context, reservation *models.Reservation, candidate models.Candidate, taskType, reason string, latency time.Duration)
}

// Observer receives attempt and outcome events; *metrics.Metrics implements it
type Observer interface {
	RecordAttempt(provider, model, result string, latency time.Duration)
	RecordOutcome(status string, duration time.Duration)
}

// Config bounds the fallback loop
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// DefaultConfig returns 3 attempts of at most 30s each
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
	}
}

// Request is one routed call
type Request struct {
	TenantID   string
	TaskType   string
	Prompt     string
	MaxTokens  int
	Candidates []models.Candidate
}

// Attempt is one candidate the loop tried
type Attempt struct {
	Candidate     models.Candidate `json:"candidate"`
	ReservationID string           `json:"reservation_id,omitempty"`
	Reason        string           `json:"reason"`
	Latency       time.Duration    `json:"latency"`
	Err           error            `json:"-"`
}

// Outcome is the terminal result of a request
type Outcome struct {
	Status        Status
	Reason        string
	Candidate     models.Candidate
	ReservationID string
	Result        *providers.Result
	Cost          float64
	Attempts      []Attempt
}

// Orchestrator runs the fallback state machine
type Orchestrator struct {
	selector  Selector
	invoker   providers.Invoker
	finalizer Finalizer
	observer  Observer
	config    Config
	logger    *utils.Logger
}

// New creates an orchestrator; observer may be nil
func New(selector Selector, invoker providers.Invoker, finalizer Finalizer, observer Observer, config Config) *Orchestrator {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	return &Orchestrator{
		selector:  selector,
		invoker:   invoker,
		finalizer: finalizer,
		observer:  observer,
		config:    config,
		logger:    utils.NewLogger("orchestrator"),
	}
}

// Run drives req to a terminal state. The returned Outcome is never nil; the
// error is nil only on success and otherwise matches ErrBudgetExceeded,
// ErrAllProvidersExhausted or ErrCancelled, or wraps an infrastructure error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	m := &machine{
		o:         o,
		req:       req,
		remaining: append([]models.Candidate(nil), req.Candidates...),
		state:     StateSelecting,
		logger:    o.logger.With("tenant", req.TenantID, "task_type", req.TaskType),
	}
	start := time.Now()

	for !m.state.Terminal() {
		switch m.state {
		case StateSelecting:
			m.selecting(ctx)
		case StateCalling:
			m.calling(ctx)
		case StateFailedRetryable:
			m.transition(StateSelecting)
		}
	}

	if o.observer != nil {
		o.observer.RecordOutcome(string(m.outcome.Status), time.Since(start))
	}
	return &m.outcome, m.err
}

// machine holds the state of one Run
type machine struct {
	o   *Orchestrator
	req Request

	state     State
	remaining []models.Candidate
	calls     int

	candidate   models.Candidate
	reservation *models.Reservation
	// lastFailed is the most recent released attempt, audited if the request fails
	lastFailed *Attempt

	outcome Outcome
	err     error
	logger  *utils.Logger
}

func (m *machine) transition(next State) {
	m.logger.Debug("Transition", "from", m.state, "to", next)
	m.state = next
}

func (m *machine) selecting(ctx context.Context) {
	if ctx.Err() != nil {
		m.cancelled(ctx)
		return
	}

	candidate, reservation, err := m.o.selector.SelectNext(ctx, m.remaining, m.req.TenantID)
	switch {
	case err == nil:
		m.candidate = candidate
		m.reservation = reservation
		m.remaining = without(m.remaining, candidate)
		m.transition(StateCalling)

	case errors.Is(err, routing.ErrNoCandidatesLeft):
		var nc *routing.NoCandidatesLeftError
		if errors.As(err, &nc) {
			for _, r := range nc.Rejected {
				m.outcome.Attempts = append(m.outcome.Attempts, Attempt{Candidate: r.Candidate, Reason: "budget exceeded", Err: r.Err})
			}
		}
		if m.calls > 0 {
			// A provider already failed; the budget only stopped the fallback.
			m.exhausted(ctx)
			return
		}
		m.fail(ctx, StatusBudgetExceeded, err)

	case ctx.Err() != nil:
		m.cancelled(ctx)

	default:
		m.fail(ctx, StatusError, err)
	}
}

func (m *machine) calling(ctx context.Context) {
	candidate, reservation := m.candidate, m.reservation
	m.calls++

	attemptCtx, cancel := context.WithTimeoutCause(ctx, m.o.config.AttemptTimeout, providers.ErrProviderTimeout)
	start := time.Now()
	result, err := m.o.invoker.Invoke(attemptCtx, candidate.Provider, candidate.Model, m.req.Prompt, m.req.MaxTokens)
	latency := time.Since(start)
	cancel()

	if err == nil {
		if result.Latency > 0 {
			latency = result.Latency
		}
		m.observe(candidate, "success", latency)
		m.succeed(ctx, candidate, reservation, result, latency)
		return
	}

	if releaseErr := m.o.finalizer.Release(ctx, reservation); releaseErr != nil {
		m.logger.Error("Failed to release reservation, left for the expiry sweep", "reservation_id", reservation.ID, "error", releaseErr)
	}

	attempt := Attempt{
		Candidate:     candidate,
		ReservationID: reservation.ID,
		Reason:        failureReason(err),
		Latency:       latency,
		Err:           err,
	}
	if ctx.Err() != nil {
		attempt.Reason = "cancelled"
	}
	m.outcome.Attempts = append(m.outcome.Attempts, attempt)
	m.lastFailed = &attempt

	if ctx.Err() != nil {
		m.observe(candidate, "cancelled", latency)
		m.cancelled(ctx)
		return
	}
	m.observe(candidate, attemptResult(err), latency)

	if m.calls >= m.o.config.MaxAttempts || len(m.remaining) == 0 {
		m.exhausted(ctx)
		return
	}

	m.logger.Warn("Attempt failed, falling back",
		"state", StateFailedRetryable,
		"candidate", candidate.Key(),
		"reason", attempt.Reason,
		"attempt", m.calls,
		"max_attempts", m.o.config.MaxAttempts,
	)
	m.transition(StateFailedRetryable)
}

func (m *machine) succeed(ctx context.Context, candidate models.Candidate, reservation *models.Reservation, result *providers.Result, latency time.Duration) {
	cost, err := m.o.finalizer.Commit(ctx, reservation, candidate, m.req.TaskType, usage.Call{
		TokensIn:  result.TokensIn,
		TokensOut: result.TokensOut,
		Latency:   latency,
	})
	if err != nil {
		// The caller already has its answer; the hold is reclaimed by the sweep.
		m.logger.Error("Failed to commit successful call", "candidate", candidate.Key(), "reservation_id", reservation.ID, "error", err)
	}

	m.outcome.Status = StatusSuccess
	m.outcome.Candidate = candidate
	m.outcome.ReservationID = reservation.ID
	m.outcome.Result = result
	m.outcome.Cost = cost
	m.transition(StateSuccess)
}

func (m *machine) exhausted(ctx context.Context) {
	m.fail(ctx, StatusAllProvidersExhausted, &AllProvidersExhaustedError{Attempts: m.outcome.Attempts})
}

func (m *machine) cancelled(ctx context.Context) {
	m.outcome.Status = StatusCancelled
	m.outcome.Reason = ErrCancelled.Error()
	m.err = ErrCancelled
	m.audit(ctx)
	m.logger.Info("Request cancelled", "attempts", m.calls)
	m.transition(StateFailedTerminal)
}

func (m *machine) fail(ctx context.Context, status Status, err error) {
	m.outcome.Status = status
	m.outcome.Reason = err.Error()
	m.err = err
	m.audit(ctx)
	m.logger.Warn("Request failed", "status", status, "attempts", m.calls, "error", err)
	m.transition(StateFailedTerminal)
}

// audit records the last failed attempt once the request is known to have failed
func (m *machine) audit(ctx context.Context) {
	if m.lastFailed == nil {
		return
	}
	reservation := &models.Reservation{ID: m.lastFailed.ReservationID, TenantID: m.req.TenantID}
	m.o.finalizer.Audit(ctx, reservation, m.lastFailed.Candidate, m.req.TaskType, m.lastFailed.Reason, m.lastFailed.Latency)
}

func (m *machine) observe(candidate models.Candidate, result string, latency time.Duration) {
	if m.o.observer != nil {
		m.o.observer.RecordAttempt(candidate.Provider, candidate.Model, result, latency)
	}
}

func without(candidates []models.Candidate, c models.Candidate) []models.Candidate {
	out := make([]models.Candidate, 0, len(candidates))
	for _, other := range candidates {
		if other.Key() != c.Key() {
			out = append(out, other)
		}
	}
	return out
}

func attemptResult(err error) string {
	switch {
	case errors.Is(err, providers.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, providers.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, providers.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, providers.ErrCircuitOpen):
		return "circuit open"
	default:
		return fmt.Sprintf("provider error: %v", err)
	}
}
