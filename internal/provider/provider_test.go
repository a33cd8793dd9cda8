package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestHuggingFaceChat_ListResponse(t *testing.T) {
	var got hfRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/google/gemma-7b-it" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer hf-key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`[{"generated_text": "  I keep watch.  "}]`))
	}))
	defer srv.Close()

	p := NewHuggingFaceProvider(ProviderConfig{ID: "hf", Endpoint: srv.URL, APIKey: "hf-key"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: "user", Content: "User: hi\nGuardian: "}},
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.9,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "I keep watch." {
		t.Errorf("content = %q", resp.Content)
	}
	if got.Inputs != "User: hi\nGuardian: " {
		t.Errorf("inputs = %q", got.Inputs)
	}
	if got.Parameters.MaxNewTokens != 256 || got.Parameters.Temperature != 0.7 || got.Parameters.TopP != 0.9 {
		t.Errorf("parameters = %+v", got.Parameters)
	}
	if !got.Parameters.DoSample || got.Parameters.ReturnFullText {
		t.Errorf("expected do_sample=true return_full_text=false, got %+v", got.Parameters)
	}
}

func TestHuggingFaceChat_ObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"generated_text": "hello"}`))
	}))
	defer srv.Close()

	p := NewHuggingFaceProvider(ProviderConfig{ID: "hf", Endpoint: srv.URL}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestHuggingFaceChat_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"status", http.StatusServiceUnavailable, `{"error":"Model is loading"}`, func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode == 503
		}},
		{"malformed", http.StatusOK, `{"unexpected": true}`, func(err error) bool {
			return errors.Is(err, ErrMalformedResponse)
		}},
		{"empty list", http.StatusOK, `[]`, func(err error) bool {
			return errors.Is(err, ErrMalformedResponse)
		}},
		{"not json", http.StatusOK, `<html>`, func(err error) bool {
			return errors.Is(err, ErrMalformedResponse)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHuggingFaceProvider(ProviderConfig{ID: "hf", Endpoint: srv.URL}, zap.NewNop())
			_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-test" {
			t.Errorf("model = %q, want configured default", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "c1",
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "steady"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, Model: "gpt-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "steady" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAnthropicConvertRequest(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude", APIKey: "k"}, zap.NewNop())
	params := p.convertRequest(&ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.9,
	})
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %+v", params.Temperature)
	}
	if params.TopP.Valid() {
		t.Error("top_p must not be sent alongside temperature")
	}
	if len(params.System) != 1 || params.System[0].Text != "be kind" {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Errorf("got %d messages, want 3", len(params.Messages))
	}
	if params.MaxTokens != 256 {
		t.Errorf("max tokens = %d", params.MaxTokens)
	}
	if string(params.Model) != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
}

func TestAnthropicConvertRequest_TopPOnly(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude", APIKey: "k"}, zap.NewNop())
	params := p.convertRequest(&ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		TopP:     0.9,
	})
	if params.Temperature.Valid() || !params.TopP.Valid() {
		t.Errorf("temperature = %+v, top_p = %+v", params.Temperature, params.TopP)
	}
}

// stubProvider is a scripted Provider for router tests.
type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}

func TestRouter_Fallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "a", err: errors.New("boom")}
	backup := &stubProvider{id: "b", reply: "from b"}
	r.Register(primary)
	r.Register(backup)
	r.SetFallbacks("", []string{"a", "b"})

	resp, err := r.Route(context.Background(), "part-1", &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times, want 1", primary.calls)
	}
}

func TestRouter_Binding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubProvider{id: "a", reply: "a"}
	b := &stubProvider{id: "b", reply: "b"}
	r.Register(a)
	r.Register(b)
	r.Bind("part-2", "b")

	resp, _ := r.Route(context.Background(), "part-2", &ChatRequest{})
	if resp.Content != "b" {
		t.Errorf("bound part routed to %q", resp.Content)
	}
	resp, _ = r.Route(context.Background(), "part-1", &ChatRequest{})
	if resp.Content != "a" {
		t.Errorf("unbound part routed to %q", resp.Content)
	}
}

func TestRouter_NoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if r.Available() {
		t.Fatal("empty router reported available")
	}
	_, err := r.Route(context.Background(), "p", &ChatRequest{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestRouter_AllFail(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "a", err: &APIError{Provider: "a", StatusCode: 500}})
	_, err := r.Route(context.Background(), "p", &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
}

func TestNew(t *testing.T) {
	for _, typ := range []string{"huggingface", "openai", "anthropic"} {
		if _, err := New(ProviderConfig{ID: typ, Type: typ}, zap.NewNop()); err != nil {
			t.Errorf("%s: %v", typ, err)
		}
	}
	if _, err := New(ProviderConfig{Type: "carrier-pigeon"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}
