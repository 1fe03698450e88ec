// Package extract turns product images into unit-length feature vectors.
package extract

import (
	"context"
	"errors"
)

// ErrExtraction is returned when an image cannot be turned into a valid embedding.
var ErrExtraction = errors.New("feature extraction failed")

// Extractor produces an L2-normalized embedding for an encoded image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
	Dimensions() int
	Close() error
}

// Layout is the tensor memory order expected by the model input.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

// Preprocess selects the pixel normalization applied before inference.
type Preprocess string

const (
	// PreprocessCaffe converts RGB to BGR and subtracts the ImageNet channel means, unscaled.
	PreprocessCaffe Preprocess = "caffe"
	// PreprocessTorch scales to [0,1] and standardizes with the ImageNet mean and std.
	PreprocessTorch Preprocess = "torch"
)

// ModelOptions describe how images are fed to the model.
type ModelOptions struct {
	Dimensions int
	InputSize  int
	InputName  string
	OutputName string
	Layout     Layout
	Preprocess Preprocess
	// MaxPixels rejects larger images before decoding.
	MaxPixels int
}

func (o ModelOptions) withDefaults() ModelOptions {
	if o.InputSize <= 0 {
		o.InputSize = 224
	}
	if o.InputName == "" {
		o.InputName = "input"
	}
	if o.OutputName == "" {
		o.OutputName = "output"
	}
	if o.Layout == "" {
		o.Layout = LayoutNHWC
	}
	if o.Preprocess == "" {
		o.Preprocess = PreprocessCaffe
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxImagePixels
	}
	return o
}
