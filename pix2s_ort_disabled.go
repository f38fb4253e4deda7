//go:build !cgo || (!ORT && !ALL)

package pix2s

import (
	"errors"

	"github.com/knights-analytics/pix2s/options"
)

const defaultBackend = "GO"

func NewORT(modelPath string, _ ...options.WithOption) (*Pix2Struct, error) {
	return nil, &LoadError{
		ModelPath: modelPath,
		Err:       errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`"),
	}
}
