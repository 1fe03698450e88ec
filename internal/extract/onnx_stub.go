//go:build !cgo
// +build !cgo

package extract

import (
	"context"
	"errors"
)

// ONNXExtractor stub type when built without CGO (see onnx.go for real implementation).
type ONNXExtractor struct{}

// NewONNXExtractor returns an error when built without CGO (ONNX not available).
func NewONNXExtractor(_ string, _ ModelOptions) (*ONNXExtractor, error) {
	return nil, errors.New("ONNX extractor requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

func (e *ONNXExtractor) Extract(context.Context, []byte) ([]float32, error) {
	return nil, ErrExtraction
}

func (e *ONNXExtractor) Dimensions() int { return 0 }

func (e *ONNXExtractor) Close() error { return nil }
