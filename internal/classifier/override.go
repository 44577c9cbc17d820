package classifier

import (
	"errors"
	"fmt"
	"strings"

	"llm_router/internal/models"
)

var (
	// ErrInvalidOverride is returned for an unknown override mode or a missing model
	ErrInvalidOverride = errors.New("invalid override")

	// ErrUnknownModel is returned when an override names a model absent from the rule table
	ErrUnknownModel = errors.New("unknown model")
)

// Mode selects how a caller override shapes the candidate list.
type Mode int

const (
	ModeAuto Mode = iota
	ModeForced
	ModePreferred
)

func (m Mode) String() string {
	switch m {
	case ModeForced:
		return "forced"
	case ModePreferred:
		return "preferred"
	default:
		return "auto"
	}
}

// Override is a validated caller override. Forced and Preferred always carry a
// model resolved against the rule table; Auto carries none.
type Override struct {
	mode  Mode
	model models.Candidate
}

// Auto lets the classifier order candidates by cost.
func Auto() Override {
	return Override{mode: ModeAuto}
}

// Forced pins the request to one model with no fallback.
func Forced(model models.Candidate) Override {
	return Override{mode: ModeForced, model: model}
}

// Preferred tries one model first and falls back to the default order.
func Preferred(model models.Candidate) Override {
	return Override{mode: ModePreferred, model: model}
}

// Mode returns the override mode
func (o Override) Mode() Mode {
	return o.mode
}

// Model returns the resolved model; ok is false for Auto.
func (o Override) Model() (models.Candidate, bool) {
	return o.model, o.mode != ModeAuto
}

func (o Override) String() string {
	if o.mode == ModeAuto {
		return "auto"
	}
	return fmt.Sprintf("%s(%s)", o.mode, o.model.Key())
}

// ParseOverride turns the inbound override fields into a validated Override.
// An empty mode means Auto.
func ParseOverride(mode, model string, table *models.RuleTable) (Override, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	model = strings.TrimSpace(model)

	switch mode {
	case "", "auto":
		if model != "" {
			return Override{}, fmt.Errorf("%w: auto mode does not take a model", ErrInvalidOverride)
		}
		return Auto(), nil
	case "forced", "preferred":
		if model == "" {
			return Override{}, fmt.Errorf("%w: %s mode requires a model", ErrInvalidOverride, mode)
		}
		candidate, ok := table.LookupModel(model)
		if !ok {
			return Override{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
		}
		if mode == "forced" {
			return Forced(candidate), nil
		}
		return Preferred(candidate), nil
	default:
		return Override{}, fmt.Errorf("%w: mode %q", ErrInvalidOverride, mode)
	}
}
