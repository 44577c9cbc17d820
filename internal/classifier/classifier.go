// Package classifier maps a task type and caller override to an ordered list of
// priced candidates.
package classifier

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"llm_router/internal/models"
	"llm_router/internal/utils"
)

// WarningUnknownTaskType is attached when a task type falls back to the default bucket.
const WarningUnknownTaskType = "UnknownTaskType"

// DefaultMaxTokens is used when neither the request nor the config sets max tokens.
const DefaultMaxTokens = 1024

// Warning is a recovered condition reported back to the caller.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request is the classifier input for one inbound request
type Request struct {
	TaskType  string
	Override  Override
	Prompt    string
	MaxTokens int
}

// Classification is the ordered candidate list for one request
type Classification struct {
	TaskType   string
	Bucket     string
	Candidates []models.Candidate
	Warnings   []Warning
	// MaxTokens is the output budget the estimates were priced at
	MaxTokens int
}

// Classifier orders candidates
type Classifier struct {
	defaultMaxTokens int
	logger           *utils.Logger
}

// New creates a classifier
func New(defaultMaxTokens int) *Classifier {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = DefaultMaxTokens
	}
	return &Classifier{
		defaultMaxTokens: defaultMaxTokens,
		logger:           utils.NewLogger("classifier"),
	}
}

// EstimateTokens approximates prompt tokens at four characters per token.
func EstimateTokens(prompt string) int {
	n := (utf8.RuneCountInString(prompt) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Classify builds the candidate list for req against table.
// Output tokens are priced at the max token budget so estimates bound the real cost.
func (c *Classifier) Classify(table *models.RuleTable, req Request) Classification {
	result := Classification{TaskType: req.TaskType, Bucket: req.TaskType}

	defaults, ok := table.Candidates(req.TaskType)
	if !ok {
		result.Bucket = table.DefaultBucket()
		defaults, _ = table.Candidates(result.Bucket)
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarningUnknownTaskType,
			Message: fmt.Sprintf("task type %q is not registered, routed to %q", req.TaskType, result.Bucket),
		})
		c.logger.Warn("Unknown task type, using default bucket", "task_type", req.TaskType, "bucket", result.Bucket)
	}

	tokensIn := EstimateTokens(req.Prompt)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}
	result.MaxTokens = maxTokens
	for i := range defaults {
		defaults[i].EstimatedCost = defaults[i].Cost(tokensIn, maxTokens)
	}
	sort.SliceStable(defaults, func(i, j int) bool {
		return defaults[i].EstimatedCost < defaults[j].EstimatedCost
	})

	switch req.Override.Mode() {
	case ModeForced:
		model, _ := req.Override.Model()
		model.EstimatedCost = model.Cost(tokensIn, maxTokens)
		result.Candidates = []models.Candidate{model}
	case ModePreferred:
		model, _ := req.Override.Model()
		model.EstimatedCost = model.Cost(tokensIn, maxTokens)
		result.Candidates = append(make([]models.Candidate, 0, len(defaults)+1), model)
		for _, candidate := range defaults {
			if candidate.Key() != model.Key() {
				result.Candidates = append(result.Candidates, candidate)
			}
		}
	default:
		result.Candidates = defaults
	}

	c.logger.Debug("Classified request",
		"task_type", req.TaskType,
		"bucket", result.Bucket,
		"override", req.Override,
		"candidates", len(result.Candidates),
	)
	return result
}
