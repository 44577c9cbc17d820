package orchestrator

// State is a step of the fallback state machine
type State int

const (
	StateSelecting State = iota
	StateCalling
	StateSuccess
	StateFailedRetryable
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "SELECTING"
	case StateCalling:
		return "CALLING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailedRetryable:
		return "FAILED_RETRYABLE"
	case StateFailedTerminal:
		return "FAILED_TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailedTerminal
}

// Status is the terminal result reported to the caller
type Status string

const (
	StatusSuccess               Status = "success"
	StatusBudgetExceeded        Status = "budget_exceeded"
	StatusAllProvidersExhausted Status = "all_providers_exhausted"
	StatusCancelled             Status = "cancelled"
	// StatusError covers infrastructure failures such as an unreachable ledger
	StatusError Status = "error"
)
