package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_router/internal/classifier"
	"llm_router/internal/ledger"
	"llm_router/internal/models"
	"llm_router/internal/orchestrator"
	"llm_router/internal/providers"
	"llm_router/internal/routing"
	"llm_router/internal/usage"
)

type pipeline struct {
	engine *Engine
	ledger ledger.Ledger
	store  *usage.MemoryStore
}

func newPipeline(t *testing.T, limit float64) *pipeline {
	t.Helper()
	table, err := models.NewRuleTable("standard", map[string][]models.Candidate{
		"standard": {
			{Provider: "local-a", Model: "large", CostPerMillionIn: 3, CostPerMillionOut: 15},
			{Provider: "local-b", Model: "small", CostPerMillionIn: 0.15, CostPerMillionOut: 0.6},
		},
		"code": {
			{Provider: "local-a", Model: "coder", CostPerMillionIn: 1, CostPerMillionOut: 4},
		},
	})
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Register(providers.NewStaticProvider("local-a"))
	registry.Register(providers.NewStaticProvider("local-b"))

	l := ledger.NewMemoryLedger(ledger.DefaultConfig())
	require.NoError(t, l.UpsertBudget(context.Background(), models.TenantBudget{
		TenantID: "acme", Period: models.PeriodDaily, Limit: limit, Enforce: true, AlertThresholdPct: 80,
	}))

	store := usage.NewMemoryStore()
	recorder := usage.NewRecorder(l, store, nil, nil, usage.Config{})
	invoker := providers.NewBreakerInvoker(registry, providers.DefaultBreakerConfig())
	orch := orchestrator.New(routing.NewEngine(l, nil), invoker, recorder, nil, orchestrator.DefaultConfig())

	return &pipeline{
		engine: New(table, classifier.New(256), orch),
		ledger: l,
		store:  store,
	}
}

func TestRoute_UnregisteredTaskTypeUsesDefaultBucket(t *testing.T) {
	p := newPipeline(t, 10)

	resp, err := p.engine.Route(context.Background(), Request{
		TenantID: "acme",
		TaskType: "unregistered_type",
		Prompt:   "hello there",
	})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StatusSuccess, resp.Status)
	assert.Equal(t, "standard", resp.Bucket)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, classifier.WarningUnknownTaskType, resp.Warnings[0].Code)
	assert.Equal(t, "local-b/small", resp.Candidate.Key(), "cheapest default candidate first")

	records := p.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "unregistered_type", records[0].TaskType)
}

func TestRoute_ForcedOverride(t *testing.T) {
	p := newPipeline(t, 10)

	resp, err := p.engine.Route(context.Background(), Request{
		TenantID:      "acme",
		TaskType:      "standard",
		Prompt:        "hello",
		OverrideMode:  "forced",
		OverrideModel: "large",
	})
	require.NoError(t, err)
	assert.Equal(t, "local-a/large", resp.Candidate.Key())
	assert.Empty(t, resp.Warnings)
}

func TestRoute_InvalidRequests(t *testing.T) {
	p := newPipeline(t, 10)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing tenant", Request{TaskType: "standard"}},
		{"missing task type", Request{TenantID: "acme"}},
		{"negative max tokens", Request{TenantID: "acme", TaskType: "standard", MaxTokens: -1}},
		{"unknown override model", Request{TenantID: "acme", TaskType: "standard", OverrideMode: "forced", OverrideModel: "gpt-9"}},
		{"unknown override mode", Request{TenantID: "acme", TaskType: "standard", OverrideMode: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := p.engine.Route(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Nil(t, resp)
		})
	}
}

func TestRoute_BudgetExceeded(t *testing.T) {
	p := newPipeline(t, 0.000001)

	resp, err := p.engine.Route(context.Background(), Request{TenantID: "acme", TaskType: "code", Prompt: "x", MaxTokens: 4096})
	require.ErrorIs(t, err, orchestrator.ErrBudgetExceeded)
	assert.Equal(t, orchestrator.StatusBudgetExceeded, resp.Status)
	assert.Empty(t, p.store.Records())
}

func TestRoute_UnknownTenantIsNotBudgetExceeded(t *testing.T) {
	p := newPipeline(t, 10)

	resp, err := p.engine.Route(context.Background(), Request{TenantID: "ghost", TaskType: "code"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrTenantNotFound))
	assert.Equal(t, orchestrator.StatusError, resp.Status)
}

func TestRoute_ExpiredDeadlineCancels(t *testing.T) {
	p := newPipeline(t, 10)

	resp, err := p.engine.Route(context.Background(), Request{
		TenantID: "acme",
		TaskType: "code",
		Deadline: time.Nanosecond,
	})
	require.ErrorIs(t, err, orchestrator.ErrCancelled)
	assert.Equal(t, orchestrator.StatusCancelled, resp.Status)

	rows, err := p.ledger.GetBudgets(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, rows[0].Reserved)
}
