package pix2s

import (
	"context"

	"github.com/knights-analytics/pix2s/options"
)

// New loads the checkpoint at modelPath (a local or S3 folder, or a Hugging Face identifier) with the
// onnxruntime backend when the build includes it, and with the pure Go backend otherwise.
// An empty modelPath loads DefaultModelPath.
func New(modelPath string, opts ...options.WithOption) (*Pix2Struct, error) {
	if defaultBackend == "ORT" {
		return NewORT(modelPath, opts...)
	}
	return NewGo(modelPath, opts...)
}

// NewGo loads the checkpoint with the pure Go onnx backend and the Go tokenizer.
func NewGo(modelPath string, opts ...options.WithOption) (*Pix2Struct, error) {
	return newPix2Struct(context.Background(), "GO", modelPath, nil, opts...)
}
