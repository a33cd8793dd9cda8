package persona

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/schellrw/IFS-assistant/internal/provider"
	"go.uber.org/zap"
)

var guardian = Part{
	ID:          "p1",
	SystemID:    "s1",
	Name:        "Guardian",
	Role:        "Protector",
	Description: "Keeps watch for danger",
	Feelings:    []string{"alert", "tired"},
	Needs:       []string{"rest"},
}

func TestBuildPrompt_Order(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "I'm here."},
	}
	prompt := BuildPrompt(guardian, history, "I feel anxious", 10)

	order := []string{
		"You are roleplaying as Guardian, which is an internal part",
		"Role: Protector",
		"Description: Keeps watch for danger",
		"Feelings: alert, tired",
		"Needs: rest",
		"Guidelines:",
		"Safety guidelines:",
		"User: hello",
		"Guardian: I'm here.",
		"User: I feel anxious",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(prompt, want)
		if i < 0 {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
		if i <= last {
			t.Fatalf("%q out of order:\n%s", want, prompt)
		}
		last = i
	}
	if !strings.HasSuffix(prompt, "\nGuardian: ") {
		t.Errorf("prompt must end with an open part line, got %q", prompt[len(prompt)-20:])
	}
}

func TestBuildPrompt_OmitsEmptyAttributes(t *testing.T) {
	prompt := BuildPrompt(Part{Name: "Exile"}, nil, "hi", 10)
	for _, label := range []string{"Role:", "Description:", "Feelings:", "Beliefs:", "Triggers:", "Needs:"} {
		if strings.Contains(prompt, label) {
			t.Errorf("prompt should omit %s:\n%s", label, prompt)
		}
	}
}

func TestBuildPrompt_HistoryWindow(t *testing.T) {
	var history []Turn
	for i := 0; i < 15; i++ {
		history = append(history, Turn{Role: "user", Content: fmt.Sprintf("turn-%02d", i)})
	}
	prompt := BuildPrompt(guardian, history, "now", 10)
	if strings.Contains(prompt, "turn-04") {
		t.Error("turn outside the window included")
	}
	if !strings.Contains(prompt, "turn-05") || !strings.Contains(prompt, "turn-14") {
		t.Error("turns inside the window missing")
	}
	if strings.Index(prompt, "turn-05") > strings.Index(prompt, "turn-14") {
		t.Error("history not oldest first")
	}

	prompt = BuildPrompt(guardian, history, "now", 3)
	if strings.Contains(prompt, "turn-11") || !strings.Contains(prompt, "turn-12") {
		t.Error("configurable window not honored")
	}
}

func TestPartFromRecord(t *testing.T) {
	p := PartFromRecord(map[string]any{
		"id":       "p1",
		"name":     "Critic",
		"feelings": []any{"harsh", nil, ""},
		"beliefs":  []string{"must be perfect"},
		"needs":    "{safety,\"approval\"}",
	})
	if p.Name != "Critic" || p.ID != "p1" {
		t.Errorf("unexpected part %+v", p)
	}
	if len(p.Feelings) != 1 || p.Feelings[0] != "harsh" {
		t.Errorf("feelings = %v", p.Feelings)
	}
	if len(p.Beliefs) != 1 {
		t.Errorf("beliefs = %v", p.Beliefs)
	}
	if len(p.Needs) != 2 || p.Needs[1] != "approval" {
		t.Errorf("needs = %v", p.Needs)
	}
	if p.Triggers != nil {
		t.Errorf("triggers = %v, want nil", p.Triggers)
	}
}

func TestPartAttributes(t *testing.T) {
	attrs := guardian.Attributes()
	if attrs["role"] != "Protector" || attrs["feelings"] != "alert, tired" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs["beliefs"]; ok {
		t.Error("empty attribute should be omitted")
	}
	if !strings.Contains(attrs["personality"], "Name: Guardian") {
		t.Errorf("personality summary = %q", attrs["personality"])
	}
}

// scriptedCompleter returns a fixed response or error.
type scriptedCompleter struct {
	resp  *provider.ChatResponse
	err   error
	panic bool
	got   *provider.ChatRequest
	wait  bool
}

func (s *scriptedCompleter) Available() bool { return true }

func (s *scriptedCompleter) Route(ctx context.Context, partID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.got = req
	if s.panic {
		panic("backend exploded")
	}
	if s.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.resp, s.err
}

func TestGenerate_Success(t *testing.T) {
	c := &scriptedCompleter{resp: &provider.ChatResponse{Content: "Guardian: I'm watching.\nUser: thanks"}}
	g := NewGenerator(c, Options{}, zap.NewNop())

	reply := g.Generate(context.Background(), guardian, nil, "Are you there?")
	if reply.Degraded {
		t.Fatalf("unexpected degraded reply: %+v", reply)
	}
	if reply.Text != "I'm watching." {
		t.Errorf("text = %q", reply.Text)
	}
	if c.got.MaxTokens != 256 || c.got.Temperature != 0.7 || c.got.TopP != 0.9 {
		t.Errorf("sampling parameters not applied: %+v", c.got)
	}
}

func TestGenerate_AlwaysNonEmpty(t *testing.T) {
	tests := []struct {
		name  string
		c     Completer
		cause Failure
	}{
		{"no completer", nil, FailureNoProvider},
		{"no provider", &scriptedCompleter{err: fmt.Errorf("route: %w", provider.ErrNoProvider)}, FailureNoProvider},
		{"transport", &scriptedCompleter{err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, FailureTransport},
		{"status", &scriptedCompleter{err: &provider.APIError{Provider: "hf", StatusCode: 503}}, FailureStatus},
		{"malformed", &scriptedCompleter{err: provider.ErrMalformedResponse}, FailureMalformed},
		{"empty text", &scriptedCompleter{resp: &provider.ChatResponse{Content: "   "}}, FailureEmpty},
		{"panic", &scriptedCompleter{panic: true}, FailureInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(tt.c, Options{}, zap.NewNop())
			reply := g.Generate(context.Background(), guardian, nil, "hello")
			if reply.Text == "" {
				t.Fatal("reply text must never be empty")
			}
			if !reply.Degraded {
				t.Error("expected degraded reply")
			}
			if reply.Cause != tt.cause {
				t.Errorf("cause = %q, want %q", reply.Cause, tt.cause)
			}
		})
	}
}

func TestGenerate_Timeout(t *testing.T) {
	g := NewGenerator(&scriptedCompleter{wait: true}, Options{Timeout: 10 * time.Millisecond}, zap.NewNop())
	reply := g.Generate(context.Background(), guardian, nil, "hello")
	if reply.Cause != FailureTimeout || reply.Text == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestGenerate_StatusFallbackMentionsCode(t *testing.T) {
	g := NewGenerator(&scriptedCompleter{err: &provider.APIError{StatusCode: 429}}, Options{}, zap.NewNop())
	reply := g.Generate(context.Background(), guardian, nil, "hello")
	if !strings.Contains(reply.Text, "429") {
		t.Errorf("fallback should mention the status, got %q", reply.Text)
	}
}

func TestGenerator_NilAvailable(t *testing.T) {
	var g *Generator
	if g.Available() {
		t.Fatal("nil generator reported available")
	}
}
