package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"llm_router/internal/models"
	"llm_router/internal/providers"
)

// rulesFile is the on-disk rule table layout:
//
//	default_bucket: standard
//	routes:
//	  standard:
//	    - {provider: openai, model: gpt-4o-mini, cost_per_million_in: 0.15, cost_per_million_out: 0.6}
type rulesFile struct {
	DefaultBucket string                        `yaml:"default_bucket"`
	Routes        map[string][]models.Candidate `yaml:"routes"`
}

type budgetsFile struct {
	Budgets []models.TenantBudget `yaml:"budgets"`
}

type providersFile struct {
	Providers []providers.ProviderConfig `yaml:"providers"`
}

// readYAML expands ${VAR} references and decodes strictly, so typos in keys fail loudly
func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := decodeYAML(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func decodeYAML(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// ParseRules builds a validated rule table from YAML
func ParseRules(data []byte) (*models.RuleTable, error) {
	var f rulesFile
	if err := decodeYAML(data, &f); err != nil {
		return nil, err
	}
	return models.NewRuleTable(f.DefaultBucket, f.Routes)
}

// LoadRules reads the rule table file
func LoadRules(path string) (*models.RuleTable, error) {
	var f rulesFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	table, err := models.NewRuleTable(f.DefaultBucket, f.Routes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ParseBudgets decodes and validates tenant budget seeds
func ParseBudgets(data []byte) ([]models.TenantBudget, error) {
	var f budgetsFile
	if err := decodeYAML(data, &f); err != nil {
		return nil, err
	}
	return validateBudgets(f.Budgets)
}

// LoadBudgets reads the tenant budget seed file
func LoadBudgets(path string) ([]models.TenantBudget, error) {
	var f budgetsFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	budgets, err := validateBudgets(f.Budgets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return budgets, nil
}

func validateBudgets(budgets []models.TenantBudget) ([]models.TenantBudget, error) {
	seen := make(map[string]bool, len(budgets))
	for _, b := range budgets {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		key := b.TenantID + "/" + string(b.Period)
		if seen[key] {
			return nil, fmt.Errorf("duplicate budget for %s", key)
		}
		seen[key] = true
	}
	return budgets, nil
}

// ParseProviders decodes provider definitions
func ParseProviders(data []byte) ([]providers.ProviderConfig, error) {
	var f providersFile
	if err := decodeYAML(data, &f); err != nil {
		return nil, err
	}
	return validateProviders(f.Providers)
}

// LoadProviders reads the provider definition file
func LoadProviders(path string) ([]providers.ProviderConfig, error) {
	var f providersFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	configs, err := validateProviders(f.Providers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configs, nil
}

func validateProviders(configs []providers.ProviderConfig) ([]providers.ProviderConfig, error) {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if c.ID == "" {
			return nil, fmt.Errorf("provider id is required")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate provider %q", c.ID)
		}
		seen[c.ID] = true
	}
	return configs, nil
}

// CheckCoverage reports rule table providers that have no definition
func CheckCoverage(table *models.RuleTable, configs []providers.ProviderConfig) error {
	defined := make(map[string]bool, len(configs))
	for _, c := range configs {
		defined[c.ID] = true
	}
	for _, key := range table.Models() {
		candidate, _ := table.LookupModel(key)
		if !defined[candidate.Provider] {
			return fmt.Errorf("rule table references undefined provider %q (model %s)", candidate.Provider, candidate.Model)
		}
	}
	return nil
}
