package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_router/internal/models"
	"llm_router/internal/providers"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 3, cfg.Routing.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Routing.AttemptTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.ReservationTTL)
	assert.Equal(t, "* * * * *", cfg.Ledger.SweepSchedule)
	assert.True(t, cfg.Routing.AuditFailures)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Database.Enabled())
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")
	t.Setenv("LEDGER_BACKEND", "Redis")
	t.Setenv("FALLBACK_MAX_ATTEMPTS", "5")
	t.Setenv("FALLBACK_ATTEMPT_TIMEOUT", "10s")
	t.Setenv("USAGE_AUDIT_FAILURES", "false")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, 5, cfg.Routing.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Routing.AttemptTimeout)
	assert.False(t, cfg.Routing.AuditFailures)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, []byte("s3cret"), cfg.JWTSecret)
}

func TestLoad_ReservationTTLOutlivesFallbackWindow(t *testing.T) {
	t.Setenv("LEDGER_RESERVATION_TTL", "91s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Greater(t, cfg.Ledger.ReservationTTL, time.Duration(cfg.Routing.MaxAttempts)*cfg.Routing.AttemptTimeout)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("FALLBACK_MAX_ATTEMPTS", "many")
	t.Setenv("FALLBACK_ATTEMPT_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Routing.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Routing.AttemptTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"redis ledger without redis", map[string]string{"LEDGER_BACKEND": "redis"}, "REDIS_ADDRESS"},
		{"unknown ledger backend", map[string]string{"LEDGER_BACKEND": "etcd"}, "unknown LEDGER_BACKEND"},
		{"redis queue without redis", map[string]string{"QUEUE_USE_REDIS": "true"}, "QUEUE_USE_REDIS"},
		{"zero attempts", map[string]string{"FALLBACK_MAX_ATTEMPTS": "0"}, "FALLBACK_MAX_ATTEMPTS"},
		{"negative rate limit", map[string]string{"RATE_LIMIT_PER_MINUTE": "-1"}, "RATE_LIMIT_PER_MINUTE"},
		{"reservation ttl shorter than one attempt", map[string]string{"LEDGER_RESERVATION_TTL": "10s"}, "LEDGER_RESERVATION_TTL"},
		{"reservation ttl equal to the fallback window", map[string]string{"LEDGER_RESERVATION_TTL": "90s"}, "LEDGER_RESERVATION_TTL"},
		{"reservation ttl shorter than a longer chain", map[string]string{"LEDGER_RESERVATION_TTL": "2m", "FALLBACK_MAX_ATTEMPTS": "5"}, "FALLBACK_MAX_ATTEMPTS"},
		{"archive template without placeholder", map[string]string{"ARCHIVE_FILE_TEMPLATE": "/tmp/usage.jsonl"}, "ARCHIVE_FILE_TEMPLATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const rulesYAML = `
default_bucket: standard
routes:
  standard:
    - {provider: openai, model: gpt-4o-mini, cost_per_million_in: 0.15, cost_per_million_out: 0.6}
    - {provider: local, model: llama, cost_per_million_in: 0, cost_per_million_out: 0}
  code:
    - provider: openai
      model: gpt-4o
      cost_per_million_in: 2.5
      cost_per_million_out: 10
`

func TestLoadRules(t *testing.T) {
	table, err := LoadRules(writeFile(t, "rules.yaml", rulesYAML))
	require.NoError(t, err)

	assert.Equal(t, "standard", table.DefaultBucket())
	assert.Equal(t, []string{"code", "standard"}, table.TaskTypes())

	candidates, ok := table.Candidates("code")
	require.True(t, ok)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.Candidate{Provider: "openai", Model: "gpt-4o", CostPerMillionIn: 2.5, CostPerMillionOut: 10}, candidates[0])
}

func TestParseRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing default bucket route", "default_bucket: missing\nroutes:\n  standard:\n    - {provider: a, model: b}\n"},
		{"empty candidate list", "default_bucket: standard\nroutes:\n  standard: []\n"},
		{"unknown field", "default_bucket: standard\nroute:\n  standard:\n    - {provider: a, model: b}\n"},
		{"negative cost", "default_bucket: standard\nroutes:\n  standard:\n    - {provider: a, model: b, cost_per_million_in: -1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestLoadBudgets(t *testing.T) {
	path := writeFile(t, "budgets.yaml", `
budgets:
  - {tenant_id: acme, period: daily, limit: 50, enforce: true, alert_threshold_pct: 80}
  - {tenant_id: acme, period: monthly, limit: 1000, enforce: true, alert_threshold_pct: 90}
  - {tenant_id: beta, period: daily, limit: 5, enforce: false}
`)
	budgets, err := LoadBudgets(path)
	require.NoError(t, err)
	require.Len(t, budgets, 3)

	assert.Equal(t, models.TenantBudget{
		TenantID: "acme", Period: models.PeriodDaily, Limit: 50, Enforce: true, AlertThresholdPct: 80,
	}, budgets[0])
	assert.False(t, budgets[2].Enforce)
}

func TestParseBudgets_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown period", "budgets:\n  - {tenant_id: acme, period: weekly, limit: 1}\n"},
		{"missing tenant", "budgets:\n  - {period: daily, limit: 1}\n"},
		{"negative limit", "budgets:\n  - {tenant_id: acme, period: daily, limit: -1}\n"},
		{"duplicate row", "budgets:\n  - {tenant_id: acme, period: daily, limit: 1}\n  - {tenant_id: acme, period: daily, limit: 2}\n"},
		{"committed is not seedable", "budgets:\n  - {tenant_id: acme, period: daily, limit: 1, committed: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBudgets([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadProviders_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeFile(t, "providers.yaml", `
providers:
  - id: openai
    type: openai
    base_url: https://api.openai.com/v1
    api_key: ${TEST_OPENAI_KEY}
    timeout: 20s
  - id: local
    type: static
`)
	configs, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, providers.ProviderConfig{
		ID: "openai", Type: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-test", Timeout: 20 * time.Second,
	}, configs[0])
	assert.Equal(t, "static", configs[1].Type)
}

func TestParseProviders_Errors(t *testing.T) {
	_, err := ParseProviders([]byte("providers:\n  - {type: static}\n"))
	assert.Error(t, err)

	_, err = ParseProviders([]byte("providers:\n  - {id: a, type: static}\n  - {id: a, type: openai}\n"))
	assert.Error(t, err)
}

func TestCheckCoverage(t *testing.T) {
	table, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	err = CheckCoverage(table, []providers.ProviderConfig{{ID: "openai"}, {ID: "local"}})
	assert.NoError(t, err)

	err = CheckCoverage(table, []providers.ProviderConfig{{ID: "openai"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"local"`)
}

func TestShippedConfigFiles(t *testing.T) {
	table, err := LoadRules("../../config/rules.yaml")
	require.NoError(t, err)

	configs, err := LoadProviders("../../config/providers.yaml")
	require.NoError(t, err)
	assert.NoError(t, CheckCoverage(table, configs))

	budgets, err := LoadBudgets("../../config/budgets.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, budgets)
}
