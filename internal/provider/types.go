package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider defines the interface for text-generation backends.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

var (
	// ErrNoProvider means nothing is registered to serve a request.
	ErrNoProvider = errors.New("no generation provider available")
	// ErrMalformedResponse means the backend answered 2xx with a payload
	// that could not be interpreted.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrEmptyResponse means the backend produced no text.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// APIError is a non-success HTTP status from a backend.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ChatRequest represents a request to a generation provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents a response from a generation provider.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

func (c ProviderConfig) timeout() time.Duration {
	if c.Timeout == 0 {
		return 120 * time.Second
	}
	return c.Timeout
}

// modelFor picks the request model, falling back to the configured one.
func (c ProviderConfig) modelFor(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.Model
}
