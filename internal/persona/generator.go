package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schellrw/IFS-assistant/internal/provider"
	"go.uber.org/zap"
)

// Failure classifies why a reply was degraded.
type Failure string

const (
	FailureNone       Failure = ""
	FailureNoProvider Failure = "no_provider"
	FailureTimeout    Failure = "timeout"
	FailureTransport  Failure = "transport"
	FailureStatus     Failure = "status"
	FailureMalformed  Failure = "malformed"
	FailureEmpty      Failure = "empty"
	FailureInternal   Failure = "internal"
)

// Reply is the outcome of a generation attempt. Text is never empty: on
// failure it holds a user-facing fallback and Degraded is set.
type Reply struct {
	Text     string
	Degraded bool
	Cause    Failure
	Err      error
}

// Completer is the routing surface the generator needs from provider.Router.
type Completer interface {
	Route(ctx context.Context, partID string, req *provider.ChatRequest) (*provider.ChatResponse, error)
	Available() bool
}

// Options tunes prompt size and sampling.
type Options struct {
	HistoryWindow int
	MaxNewTokens  int
	Temperature   float64
	TopP          float64
	Timeout       time.Duration
}

// Generator produces in-character replies for a part.
type Generator struct {
	completer Completer
	opts      Options
	logger    *zap.Logger
}

// NewGenerator creates a Generator. A nil completer yields a generator that
// reports itself unavailable.
func NewGenerator(c Completer, opts Options, logger *zap.Logger) *Generator {
	if opts.HistoryWindow == 0 {
		opts.HistoryWindow = 10
	}
	if opts.MaxNewTokens == 0 {
		opts.MaxNewTokens = 256
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.TopP == 0 {
		opts.TopP = 0.9
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Generator{completer: c, opts: opts, logger: logger}
}

// Available reports whether any backend can serve generation.
func (g *Generator) Available() bool {
	return g != nil && g.completer != nil && g.completer.Available()
}

// HistoryWindow is the number of prior turns included in prompts.
func (g *Generator) HistoryWindow() int {
	if g == nil {
		return 0
	}
	return g.opts.HistoryWindow
}

// Generate asks the backend for part's reply to message. It never returns
// an error and never panics; failures are folded into a degraded Reply.
func (g *Generator) Generate(ctx context.Context, part Part, history []Turn, message string) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("generation panic: %v", r)
			if g != nil && g.logger != nil {
				g.logger.Error("Generation panicked", zap.String("part", part.ID), zap.Any("panic", r))
			}
			reply = degraded(FailureInternal, err)
		}
	}()

	if !g.Available() {
		return degraded(FailureNoProvider, provider.ErrNoProvider)
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	prompt := BuildPrompt(part, history, message, g.opts.HistoryWindow)
	resp, err := g.completer.Route(ctx, part.ID, &provider.ChatRequest{
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens:   g.opts.MaxNewTokens,
		Temperature: g.opts.Temperature,
		TopP:        g.opts.TopP,
		Stop:        []string{"\nUser:"},
	})
	if err != nil {
		r := degraded(classify(err), err)
		g.logger.Warn("Generation failed, using fallback reply",
			zap.String("part", part.ID), zap.String("cause", string(r.Cause)), zap.Error(err))
		return r
	}

	text := cleanCompletion(resp.Content, speakerName(part))
	if text == "" {
		g.logger.Warn("Generation returned no text", zap.String("part", part.ID))
		return degraded(FailureEmpty, provider.ErrEmptyResponse)
	}
	return Reply{Text: text}
}

func classify(err error) Failure {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, provider.ErrNoProvider):
		return FailureNoProvider
	case errors.As(err, &apiErr):
		return FailureStatus
	case errors.Is(err, provider.ErrMalformedResponse):
		return FailureMalformed
	case errors.Is(err, provider.ErrEmptyResponse):
		return FailureEmpty
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureTransport
	}
}

func degraded(cause Failure, err error) Reply {
	text := fallbackText(cause, err)
	return Reply{Text: text, Degraded: true, Cause: cause, Err: err}
}

// fallbackText is what the user sees in place of a reply.
func fallbackText(cause Failure, err error) string {
	switch cause {
	case FailureNoProvider:
		return "I can't respond right now because the chat service is unavailable. Your message has been saved."
	case FailureTimeout:
		return "I'm taking too long to find my words right now. Your message has been saved; please try again in a moment."
	case FailureTransport:
		return "I'm having trouble connecting right now. Your message has been saved; please try again in a moment."
	case FailureStatus:
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			return fmt.Sprintf("The chat service returned an error (status %d). Your message has been saved; please try again later.", apiErr.StatusCode)
		}
		return "The chat service returned an error. Your message has been saved; please try again later."
	case FailureMalformed:
		return "I received a response I couldn't understand. Your message has been saved; please try again."
	case FailureEmpty:
		return "I don't have words for that right now. Could you say a little more?"
	default:
		return "Something went wrong while I was forming a reply. Your message has been saved."
	}
}

// cleanCompletion trims an echoed speaker label and anything after the model
// starts writing the user's next line.
func cleanCompletion(text, speaker string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, speaker+":")
	if i := strings.Index(text, "\nUser:"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
