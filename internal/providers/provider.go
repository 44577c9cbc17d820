package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Result is a completed provider call.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Provider is implemented by each concrete backend (OpenAI-compatible HTTP, static, ...).
type Provider interface {
	// ID returns the unique identifier for this provider instance
	ID() string

	// Type returns the provider type (openai, static, ...)
	Type() string

	// Invoke runs one completion for model
	Invoke(ctx context.Context, model, prompt string, maxTokens int) (*Result, error)

	// Close performs cleanup when the provider is no longer needed
	Close() error
}

// Invoker dispatches a call to a provider by id. Registry and the circuit
// breaker decorator implement it.
type Invoker interface {
	Invoke(ctx context.Context, providerID, model, prompt string, maxTokens int) (*Result, error)
}

// ProviderConfig holds configuration for creating a provider instance
type ProviderConfig struct {
	ID      string        `yaml:"id"`
	Type    string        `yaml:"type"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewProvider creates a provider for config.Type
func NewProvider(config ProviderConfig) (Provider, error) {
	switch config.Type {
	case "openai":
		return NewOpenAIProvider(config)
	case "static":
		return NewStaticProvider(config.ID), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q for %s", config.Type, config.ID)
	}
}

// Registry resolves provider ids to instances
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return p, nil
}

// IDs lists registered provider ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke dispatches to the registered provider
func (r *Registry) Invoke(ctx context.Context, providerID, model, prompt string, maxTokens int) (*Result, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, &ProviderError{ProviderID: providerID, Model: model, Message: "provider not registered", Err: err}
	}
	return p.Invoke(ctx, model, prompt, maxTokens)
}

// Close closes all providers
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", id, err)
		}
	}
	r.providers = make(map[string]Provider)
	return firstErr
}
