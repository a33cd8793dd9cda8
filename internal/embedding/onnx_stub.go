//go:build !onnx

package embedding

import (
	"fmt"

	"go.uber.org/zap"
)

// NewONNXProvider is unavailable unless the binary is built with -tags onnx.
func NewONNXProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	return nil, fmt.Errorf("embedding: onnx support not compiled in (rebuild with -tags onnx)")
}
