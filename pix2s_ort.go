//go:build cgo && (ORT || ALL)

package pix2s

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/fileutil"
)

const defaultBackend = "ORT"

// NewORT loads the checkpoint with onnxruntime and the Rust tokenizer. Only one ORT wrapper can be
// alive in a process at a time.
func NewORT(modelPath string, opts ...options.WithOption) (*Pix2Struct, error) {
	return newPix2Struct(context.Background(), "ORT", modelPath, ortEnvironment, opts...)
}

func ortEnvironment(opts *options.Options) (func() error, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another ORT wrapper is currently active, and only one can be active at one time")
	}
	if initialised, err := initialiseORT(opts); err != nil {
		if initialised {
			return nil, errors.Join(err, opts.Destroy(), ort.DestroyEnvironment())
		}
		return nil, err
	}
	return ort.DestroyEnvironment, nil
}

func initialiseORT(opts *options.Options) (bool, error) {
	o := opts.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// shared by the encoder and the decoder session
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	opts.BackendOptions = sessionOptions
	opts.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	return true, nil
}
