package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, 64, req.MaxTokens)
		assert.Equal(t, "summarize this", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}],"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(ProviderConfig{ID: "openai", APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)
	defer p.Close()

	result, err := p.Invoke(context.Background(), "gpt-4o-mini", "summarize this", 64)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, 12, result.TokensIn)
	assert.Equal(t, 34, result.TokensOut)
}

func TestOpenAIProvider_Failures(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		p, err := NewOpenAIProvider(ProviderConfig{ID: "openai", APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)

		_, err = p.Invoke(context.Background(), "gpt-4o-mini", "hi", 10)
		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
		assert.Equal(t, "overloaded", perr.Message)
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		p, err := NewOpenAIProvider(ProviderConfig{ID: "openai", APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Invoke(ctx, "gpt-4o-mini", "hi", 10)
		assert.ErrorIs(t, err, ErrProviderTimeout)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewOpenAIProvider(ProviderConfig{ID: "openai"})
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStaticProvider("local"))

	assert.Equal(t, []string{"local"}, r.IDs())

	result, err := r.Invoke(context.Background(), "local", "tiny", "hello world", 100)
	require.NoError(t, err)
	assert.Equal(t, "[local/tiny] ack", result.Text)
	assert.Equal(t, 3, result.TokensIn)

	_, err = r.Invoke(context.Background(), "missing", "tiny", "hello", 100)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	require.NoError(t, r.Close())
	assert.Empty(t, r.IDs())
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{ID: "local", Type: "static"})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Type())

	_, err = NewProvider(ProviderConfig{ID: "x", Type: "carrier-pigeon"})
	assert.Error(t, err)
}

type flakyInvoker struct {
	calls atomic.Int32
	err   error
}

func (f *flakyInvoker) Invoke(ctx context.Context, providerID, model, prompt string, maxTokens int) (*Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Text: "ok"}, nil
}

func TestBreakerInvoker(t *testing.T) {
	next := &flakyInvoker{err: &ProviderError{ProviderID: "openai", Model: "gpt", Message: "boom"}}
	b := NewBreakerInvoker(next, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour, HalfOpenRequests: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Invoke(ctx, "openai", "gpt", "p", 1)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("openai", "gpt"))

	_, err := b.Invoke(ctx, "openai", "gpt", "p", 1)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker short-circuits the call")

	// Breakers are per candidate.
	next.err = nil
	result, err := b.Invoke(ctx, "openai", "gpt-mini", "p", 1)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestBreakerInvoker_CancellationDoesNotTrip(t *testing.T) {
	next := &flakyInvoker{err: context.Canceled}
	b := NewBreakerInvoker(next, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(context.Background(), "openai", "gpt", "p", 1)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("openai", "gpt"))
}

func TestBreakerInvoker_RequestDeadlineDoesNotTrip(t *testing.T) {
	next := &flakyInvoker{err: ErrProviderTimeout}
	b := NewBreakerInvoker(next, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour})

	// The request's own deadline, not the attempt's, ended the call.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(ctx, "openai", "gpt", "p", 1)
		assert.ErrorIs(t, err, ErrProviderTimeout)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("openai", "gpt"))
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestBreakerInvoker_AttemptTimeoutTrips(t *testing.T) {
	next := &flakyInvoker{err: ErrProviderTimeout}
	b := NewBreakerInvoker(next, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour})

	ctx, cancel := context.WithTimeoutCause(context.Background(), time.Millisecond, ErrProviderTimeout)
	defer cancel()
	<-ctx.Done()

	_, err := b.Invoke(ctx, "openai", "gpt", "p", 1)
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Equal(t, gobreaker.StateOpen, b.State("openai", "gpt"))
}
