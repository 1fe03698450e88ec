//go:build cgo
// +build cgo

package extract

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/mirip/pkg/utils"
)

// ONNXExtractor runs an image model with ONNX Runtime. It requires CGO and the onnxruntime shared library.
// A single instance serializes inference; use a Pool for concurrency.
type ONNXExtractor struct {
	session      *ort.AdvancedSession
	opts         ModelOptions
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXExtractor loads the model at modelPath. InitializeEnvironment is called if not already done.
func NewONNXExtractor(modelPath string, opts ModelOptions) (*ONNXExtractor, error) {
	opts = opts.withDefaults()
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputData := make([]float32, 3*opts.InputSize*opts.InputSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape(opts.InputSize, opts.Layout)...), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputData := make([]float32, opts.Dimensions)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(opts.Dimensions)), outputData)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXExtractor{
		session:      session,
		opts:         opts,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Extract decodes the image, runs inference and returns the L2-normalized output.
func (e *ONNXExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	img, _, err := DecodeImage(data, e.opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	pixels, err := ToTensor(img, e.opts.InputSize, e.opts.Layout, e.opts.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: extractor closed", ErrExtraction)
	}

	copy(e.inputTensor.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference failed: %v", ErrExtraction, err)
	}

	embedding := make([]float32, e.opts.Dimensions)
	copy(embedding, e.outputTensor.GetData())
	if norm := utils.NormalizeL2(embedding); norm == 0 {
		return nil, fmt.Errorf("%w: model returned a zero vector", ErrExtraction)
	}
	return embedding, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXExtractor) Dimensions() int {
	return e.opts.Dimensions
}

// Close destroys the session and tensors.
func (e *ONNXExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
