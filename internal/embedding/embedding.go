package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// DefaultDimension is the output size of all-MiniLM-L6-v2.
const DefaultDimension = 384

var (
	// ErrUnavailable means no encoder could be loaded or reached. It is
	// detected once per process and then returned without retrying.
	ErrUnavailable = errors.New("embedding: encoder unavailable")
	// ErrDimensionMismatch means a backend produced a vector whose length is
	// not the configured dimension. Such vectors are never stored.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider      string `json:"provider"` // "api", "local" or "onnx"
	Endpoint      string `json:"endpoint"`
	Model         string `json:"model"`
	APIKey        string `json:"api_key"`
	Dimension     int    `json:"dimension"`
	ModelPath     string `json:"model_path,omitempty"`
	TokenizerPath string `json:"tokenizer_path,omitempty"`
	RuntimePath   string `json:"runtime_path,omitempty"`
}

// NewProvider builds the backend named by cfg.Provider.
func NewProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	switch cfg.Provider {
	case "api":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	case "onnx":
		return NewONNXProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// Similarity returns the cosine similarity of a and b in [-1, 1].
// Mismatched or zero-norm vectors score 0.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, s))
}

// Distance returns the Euclidean (L2) distance between a and b, the metric
// the storage backends order nearest-neighbor results by.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// SimilarityFromDistance converts an L2 distance between unit vectors back
// to cosine similarity: d² = 2 - 2·cos.
func SimilarityFromDistance(d float64) float64 {
	s := 1 - d*d/2
	return math.Max(-1, math.Min(1, s))
}

// Normalize scales vec to unit length. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
