package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderTimeout is returned when a call exceeds its per-attempt deadline.
	// Callers set it as the cause of that deadline (context.WithTimeoutCause)
	// so the breaker can tell it from the request's own deadline.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProviderNotFound is returned for unregistered provider ids
	ErrProviderNotFound = errors.New("provider not found")

	// ErrCircuitOpen is returned while a candidate's circuit breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ProviderError is a failed provider call
type ProviderError struct {
	ProviderID string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s model %s: %s", e.ProviderID, e.Model, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
