package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const probeText = "availability probe"

// EncoderOptions tunes an Encoder.
type EncoderOptions struct {
	Model     string
	Dimension int
	Timeout   time.Duration
	Cache     Cache
}

// Encoder is the process-wide text encoder handed to services. It wraps a
// Provider with a one-time availability probe, dimension checks, per-call
// timeouts and an optional cache. A nil *Encoder is valid and unavailable.
type Encoder struct {
	provider Provider
	model    string
	dim      int
	timeout  time.Duration
	cache    Cache
	logger   *zap.Logger

	probeOnce sync.Once
	probeErr  error
}

// NewEncoder wraps p. A nil provider yields an encoder that always reports
// ErrUnavailable.
func NewEncoder(p Provider, opts EncoderOptions, logger *zap.Logger) *Encoder {
	if opts.Dimension == 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Encoder{
		provider: p,
		model:    opts.Model,
		dim:      opts.Dimension,
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		logger:   logger,
	}
}

// Dimension returns the vector length every result is checked against.
func (e *Encoder) Dimension() int {
	if e == nil {
		return DefaultDimension
	}
	return e.dim
}

// Available reports whether the encoder loaded. The first call probes the
// backend; the outcome is cached for the life of the process.
func (e *Encoder) Available(ctx context.Context) bool {
	return e.ready(ctx) == nil
}

func (e *Encoder) ready(ctx context.Context) error {
	if e == nil || e.provider == nil {
		return ErrUnavailable
	}
	e.probeOnce.Do(func() {
		_, err := e.compute(ctx, []string{probeText})
		if err != nil {
			e.probeErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			e.logger.Warn("Embedding encoder unavailable, vectors will be omitted", zap.Error(err))
			return
		}
		e.logger.Info("Embedding encoder ready", zap.String("model", e.model), zap.Int("dimension", e.dim))
	})
	return e.probeErr
}

// Embed returns the vector for text. It never returns a placeholder vector:
// on any failure the caller gets an error and no vector.
func (e *Encoder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany embeds texts in one backend call, serving cached entries first.
func (e *Encoder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embedding: text %d is empty", i)
		}
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if e.cache != nil {
			if vec, ok := e.cache.Get(ctx, CacheKey(e.model, t)); ok && len(vec) == e.dim {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := e.compute(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		if e.cache != nil {
			e.cache.Set(ctx, CacheKey(e.model, missing[j]), vec)
		}
	}
	return out, nil
}

func (e *Encoder) compute(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.provider.Embed(ctx, texts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding: timed out after %s: %w", e.timeout, err)
		}
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if len(vec) != e.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.dim)
		}
		if isZero(vec) {
			return nil, fmt.Errorf("embedding: backend returned a zero vector for text %d", i)
		}
	}
	return vecs, nil
}
