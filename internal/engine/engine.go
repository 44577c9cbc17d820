// Package engine wires the request path: override parsing, classification and
// the fallback orchestrator, behind a single Route call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_router/internal/classifier"
	"llm_router/internal/models"
	"llm_router/internal/orchestrator"
	"llm_router/internal/utils"
)

// ErrInvalidRequest wraps request validation failures, including bad overrides
var ErrInvalidRequest = errors.New("invalid request")

// Request is one inbound routing request
type Request struct {
	TenantID      string
	TaskType      string
	Prompt        string
	OverrideMode  string
	OverrideModel string
	MaxTokens     int
	// Deadline bounds the whole request, on top of any deadline already on ctx
	Deadline time.Duration
}

// Response is the terminal outcome plus classifier warnings
type Response struct {
	*orchestrator.Outcome
	Bucket   string
	Warnings []classifier.Warning
}

// Runner executes the fallback chain; *orchestrator.Orchestrator implements it
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// Engine routes requests against one immutable rule table
type Engine struct {
	rules      *models.RuleTable
	classifier *classifier.Classifier
	runner     Runner
	logger     *utils.Logger
}

// New creates an engine
func New(rules *models.RuleTable, c *classifier.Classifier, runner Runner) *Engine {
	return &Engine{
		rules:      rules,
		classifier: c,
		runner:     runner,
		logger:     utils.NewLogger("engine"),
	}
}

// Rules returns the rule table requests are classified against
func (e *Engine) Rules() *models.RuleTable {
	return e.rules
}

// Route classifies and runs req. Validation failures return ErrInvalidRequest
// with a nil response; every other call returns a response, and the error
// carries the terminal reason as in orchestrator.Run.
func (e *Engine) Route(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Snapshot once so every attempt of this request sees the same table.
	table := e.rules

	override, err := classifier.ParseOverride(req.OverrideMode, req.OverrideModel, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	cls := e.classifier.Classify(table, classifier.Request{
		TaskType:  req.TaskType,
		Override:  override,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})

	outcome, err := e.runner.Run(ctx, orchestrator.Request{
		TenantID:   req.TenantID,
		TaskType:   req.TaskType,
		Prompt:     req.Prompt,
		MaxTokens:  cls.MaxTokens,
		Candidates: cls.Candidates,
	})

	return &Response{
		Outcome:  outcome,
		Bucket:   cls.Bucket,
		Warnings: cls.Warnings,
	}, err
}

func validate(req Request) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case req.TaskType == "":
		return fmt.Errorf("%w: task_type is required", ErrInvalidRequest)
	case req.MaxTokens < 0:
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	case req.Deadline < 0:
		return fmt.Errorf("%w: deadline must not be negative", ErrInvalidRequest)
	}
	return nil
}
