package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAITimeout        = 60 * time.Second
	maxErrorBodyBytes    = 512
)

// OpenAIProvider calls any OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	id      string
	apiKey  string
	client  *http.Client
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config ProviderConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for OpenAI provider %s", config.ID)
	}

	baseURL := openAIDefaultBaseURL
	if config.BaseURL != "" {
		baseURL = config.BaseURL
	}

	timeout := openAITimeout
	if config.Timeout > 0 {
		timeout = config.Timeout
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAIProvider{
		id:      config.ID,
		apiKey:  config.APIKey,
		client:  client,
		baseURL: baseURL,
	}, nil
}

// ID returns the provider ID
func (p *OpenAIProvider) ID() string {
	return p.id
}

// Type returns the provider type
func (p *OpenAIProvider) Type() string {
	return "openai"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke sends a single-turn chat completion
func (p *OpenAIProvider) Invoke(ctx context.Context, model, prompt string, maxTokens int) (*Result, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrProviderTimeout, p.id, model, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ProviderError{ProviderID: p.id, Model: model, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &ProviderError{
			ProviderID: p.id,
			Model:      model,
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(snippet)),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ProviderError{ProviderID: p.id, Model: model, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	result := &Result{
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Latency:   time.Since(start),
	}
	// Some compatible servers use the responses-API field names.
	if result.TokensIn == 0 {
		result.TokensIn = parsed.Usage.InputTokens
	}
	if result.TokensOut == 0 {
		result.TokensOut = parsed.Usage.OutputTokens
	}
	if len(parsed.Choices) > 0 {
		result.Text = parsed.Choices[0].Message.Content
	}
	return result, nil
}

// Close cleans up resources
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
