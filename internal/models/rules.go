package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidRuleTable wraps every rule table validation failure.
var ErrInvalidRuleTable = errors.New("invalid routing rule table")

// Candidate is a (provider, model) pair that may serve a task, with its token pricing.
type Candidate struct {
	Provider          string  `json:"provider" yaml:"provider"`
	Model             string  `json:"model" yaml:"model"`
	CostPerMillionIn  float64 `json:"cost_per_million_in" yaml:"cost_per_million_in"`
	CostPerMillionOut float64 `json:"cost_per_million_out" yaml:"cost_per_million_out"`

	// EstimatedCost is filled in by the classifier for a specific request.
	EstimatedCost float64 `json:"estimated_cost" yaml:"-"`
}

// Key identifies the candidate as provider/model.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Model
}

// Cost prices a call with the given token counts in USD.
func (c Candidate) Cost(tokensIn, tokensOut int) float64 {
	return (float64(tokensIn)*c.CostPerMillionIn + float64(tokensOut)*c.CostPerMillionOut) / 1e6
}

// RuleTable maps task types to ordered candidate lists. It is immutable once built,
// so one value can be shared by every request in flight.
type RuleTable struct {
	defaultBucket string
	routes        map[string][]Candidate
	byKey         map[string]Candidate
	byModel       map[string]Candidate
}

// NewRuleTable validates and deep-copies routes into an immutable table.
func NewRuleTable(defaultBucket string, routes map[string][]Candidate) (*RuleTable, error) {
	if defaultBucket == "" {
		return nil, fmt.Errorf("%w: default bucket is required", ErrInvalidRuleTable)
	}
	if _, ok := routes[defaultBucket]; !ok {
		return nil, fmt.Errorf("%w: default bucket %q has no route", ErrInvalidRuleTable, defaultBucket)
	}

	t := &RuleTable{
		defaultBucket: defaultBucket,
		routes:        make(map[string][]Candidate, len(routes)),
		byKey:         make(map[string]Candidate),
		byModel:       make(map[string]Candidate),
	}

	// Iterate task types in a fixed order so bare-model lookups resolve deterministically.
	taskTypes := make([]string, 0, len(routes))
	for taskType := range routes {
		taskTypes = append(taskTypes, taskType)
	}
	sort.Strings(taskTypes)

	for _, taskType := range taskTypes {
		list := routes[taskType]
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: task type %q has no candidates", ErrInvalidRuleTable, taskType)
		}
		copied := make([]Candidate, 0, len(list))
		for _, c := range list {
			if c.Provider == "" || c.Model == "" {
				return nil, fmt.Errorf("%w: task type %q has a candidate without provider or model", ErrInvalidRuleTable, taskType)
			}
			if c.CostPerMillionIn < 0 || c.CostPerMillionOut < 0 {
				return nil, fmt.Errorf("%w: candidate %s has a negative cost", ErrInvalidRuleTable, c.Key())
			}
			if prev, ok := t.byKey[c.Key()]; ok && (prev.CostPerMillionIn != c.CostPerMillionIn || prev.CostPerMillionOut != c.CostPerMillionOut) {
				return nil, fmt.Errorf("%w: candidate %s is priced differently across task types", ErrInvalidRuleTable, c.Key())
			}
			c.EstimatedCost = 0
			copied = append(copied, c)
			t.byKey[c.Key()] = c
			if _, ok := t.byModel[c.Model]; !ok {
				t.byModel[c.Model] = c
			}
		}
		t.routes[taskType] = copied
	}

	return t, nil
}

// DefaultBucket is the task type used for unregistered task types.
func (t *RuleTable) DefaultBucket() string {
	return t.defaultBucket
}

// Candidates returns a copy of the ordered candidates for a task type.
func (t *RuleTable) Candidates(taskType string) ([]Candidate, bool) {
	list, ok := t.routes[taskType]
	if !ok {
		return nil, false
	}
	out := make([]Candidate, len(list))
	copy(out, list)
	return out, true
}

// LookupModel resolves "provider/model" or a bare model name against every model in the table.
func (t *RuleTable) LookupModel(name string) (Candidate, bool) {
	name = strings.TrimSpace(name)
	if c, ok := t.byKey[name]; ok {
		return c, true
	}
	c, ok := t.byModel[name]
	return c, ok
}

// TaskTypes lists the registered task types in sorted order.
func (t *RuleTable) TaskTypes() []string {
	out := make([]string, 0, len(t.routes))
	for taskType := range t.routes {
		out = append(out, taskType)
	}
	sort.Strings(out)
	return out
}

// Models lists every provider/model key known to the table in sorted order.
func (t *RuleTable) Models() []string {
	out := make([]string, 0, len(t.byKey))
	for key := range t.byKey {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
