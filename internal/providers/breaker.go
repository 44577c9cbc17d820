package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"llm_router/internal/utils"
)

// BreakerConfig tunes the per-candidate circuit breakers
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of trial calls allowed while half-open
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns default breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerInvoker wraps an Invoker with one circuit breaker per provider/model pair,
// so a failing model is skipped quickly by later requests.
type BreakerInvoker struct {
	next     Invoker
	config   BreakerConfig
	logger   *utils.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerInvoker decorates next with circuit breakers
func NewBreakerInvoker(next Invoker, config BreakerConfig) *BreakerInvoker {
	return &BreakerInvoker{
		next:     next,
		config:   config,
		logger:   utils.NewLogger("provider-breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *BreakerInvoker) breaker(key string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	threshold := b.config.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: b.config.HalfOpenRequests,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			var done *callerDoneError
			return err == nil || errors.Is(err, context.Canceled) || errors.As(err, &done)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", "candidate", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[key] = cb
	return cb
}

// Invoke runs the call through the candidate's breaker
func (b *BreakerInvoker) Invoke(ctx context.Context, providerID, model, prompt string, maxTokens int) (*Result, error) {
	cb := b.breaker(providerID + "/" + model)

	out, err := cb.Execute(func() (interface{}, error) {
		result, err := b.next.Invoke(ctx, providerID, model, prompt, maxTokens)
		if err != nil && callerDone(ctx) {
			return nil, &callerDoneError{err: err}
		}
		return result, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{ProviderID: providerID, Model: model, Message: "call rejected", Err: ErrCircuitOpen}
		}
		var done *callerDoneError
		if errors.As(err, &done) {
			return nil, done.err
		}
		return nil, err
	}
	return out.(*Result), nil
}

// State reports the breaker state of a candidate
func (b *BreakerInvoker) State(providerID, model string) gobreaker.State {
	return b.breaker(providerID + "/" + model).State()
}

// callerDoneError carries a failure that happened after the caller's context
// ended for its own reasons; the breaker does not count it.
type callerDoneError struct {
	err error
}

func (e *callerDoneError) Error() string { return e.err.Error() }

func (e *callerDoneError) Unwrap() error { return e.err }

// callerDone reports whether ctx ended for a reason other than the attempt
// deadline, such as the request deadline or a client disconnect
func callerDone(ctx context.Context) bool {
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrProviderTimeout)
}
