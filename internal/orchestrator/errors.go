package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"llm_router/internal/ledger"
)

var (
	// ErrBudgetExceeded is returned when the ledger rejected every candidate
	ErrBudgetExceeded = ledger.ErrBudgetExceeded

	// ErrAllProvidersExhausted is returned when every attempted provider failed
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrCancelled is returned when the caller cancelled or its deadline passed
	ErrCancelled = errors.New("request cancelled")
)

// AllProvidersExhaustedError lists every attempt and why it failed
type AllProvidersExhaustedError struct {
	Attempts []Attempt
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Candidate.Key(), a.Reason)
	}
	return fmt.Sprintf("all providers exhausted after %d attempts [%s]", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}
