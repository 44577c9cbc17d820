package providers

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// StaticProvider answers locally without network access. It is used for
// local runs and smoke tests of the routing pipeline.
type StaticProvider struct {
	id string
}

// NewStaticProvider creates a static provider
func NewStaticProvider(id string) *StaticProvider {
	return &StaticProvider{id: id}
}

// ID returns the provider ID
func (p *StaticProvider) ID() string {
	return p.id
}

// Type returns the provider type
func (p *StaticProvider) Type() string {
	return "static"
}

// Invoke echoes a short acknowledgement sized to the prompt
func (p *StaticProvider) Invoke(ctx context.Context, model, prompt string, maxTokens int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	text := fmt.Sprintf("[%s/%s] ack", p.id, model)

	tokensOut := (utf8.RuneCountInString(text) + 3) / 4
	if maxTokens > 0 && tokensOut > maxTokens {
		tokensOut = maxTokens
	}
	return &Result{
		Text:      text,
		TokensIn:  (utf8.RuneCountInString(prompt) + 3) / 4,
		TokensOut: tokensOut,
		Latency:   time.Since(start),
	}, nil
}

// Close is a no-op
func (p *StaticProvider) Close() error {
	return nil
}
