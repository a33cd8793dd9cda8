package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const defaultHFEndpoint = "https://api-inference.huggingface.co/models"

// HuggingFaceProvider talks to the Hugging Face text-generation inference
// API. Chat messages are flattened into a single prompt; the prompt is
// expected to already carry any speaker framing.
type HuggingFaceProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewHuggingFaceProvider creates a Hugging Face inference provider.
func NewHuggingFaceProvider(cfg ProviderConfig, logger *zap.Logger) *HuggingFaceProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultHFEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "google/gemma-7b-it"
	}
	return &HuggingFaceProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.timeout()},
		logger: logger,
	}
}

func (p *HuggingFaceProvider) ID() string   { return p.config.ID }
func (p *HuggingFaceProvider) Name() string { return p.config.Name }

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	TopP           float64  `json:"top_p,omitempty"`
	DoSample       bool     `json:"do_sample"`
	ReturnFullText bool     `json:"return_full_text"`
	Stop           []string `json:"stop,omitempty"`
}

type hfGeneration struct {
	GeneratedText *string `json:"generated_text"`
}

// Chat posts the flattened prompt to {endpoint}/{model}.
func (p *HuggingFaceProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.config.modelFor(req)
	body, err := json.Marshal(hfRequest{
		Inputs: flattenMessages(req.Messages),
		Parameters: hfParameters{
			MaxNewTokens:   req.MaxTokens,
			Temperature:    req.Temperature,
			TopP:           req.TopP,
			DoSample:       true,
			ReturnFullText: false,
			Stop:           req.Stop,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(p.config.Endpoint, "/") + "/" + model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: p.config.ID, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	text, err := parseHFGeneration(respBody)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Model: model, Content: text, FinishReason: "stop"}, nil
}

// parseHFGeneration accepts either a list of generations or a single object.
func parseHFGeneration(raw []byte) (string, error) {
	var list []hfGeneration
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 || list[0].GeneratedText == nil {
			return "", fmt.Errorf("%w: no generated_text in %s", ErrMalformedResponse, truncate(string(raw), 200))
		}
		return strings.TrimSpace(*list[0].GeneratedText), nil
	}
	var single hfGeneration
	if err := json.Unmarshal(raw, &single); err != nil || single.GeneratedText == nil {
		return "", fmt.Errorf("%w: no generated_text in %s", ErrMalformedResponse, truncate(string(raw), 200))
	}
	return strings.TrimSpace(*single.GeneratedText), nil
}

func flattenMessages(msgs []Message) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
