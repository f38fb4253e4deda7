package options

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s/util/fileutil"
)

const (
	DefaultMaxNewTokens    = 1024
	DefaultMaxGenerateTime = 30 * time.Second
)

type Options struct {
	BackendOptions  any
	ORTOptions      *OrtOptions
	Destroy         func() error
	Logger          *zap.Logger
	LocalFilesOnly  *bool
	Backend         string
	CacheDir        string
	AuthToken       string
	MaxNewTokens    int
	MaxGenerateTime time.Duration
	// IdempotentPostprocess only spaces table rules that are not already followed by a space.
	IdempotentPostprocess bool
}

func Defaults() *Options {
	libraryPathDefault := defaultLibraryPath()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Logger:          zap.NewNop(),
		MaxNewTokens:    DefaultMaxNewTokens,
		MaxGenerateTime: DefaultMaxGenerateTime,
		Destroy: func() error {
			return nil
		},
	}
}

func libraryFileName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return `.\` + libraryFileName()
	case "darwin":
		return "/usr/local/lib/" + libraryFileName()
	default:
		return "/usr/lib/" + libraryFileName()
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithMaxNewTokens caps the number of tokens generated per image. Default is 1024.
func WithMaxNewTokens(maxNewTokens int) WithOption {
	return func(o *Options) error {
		if maxNewTokens <= 0 {
			return fmt.Errorf("max new tokens must be positive, got %d", maxNewTokens)
		}
		o.MaxNewTokens = maxNewTokens
		return nil
	}
}

// WithMaxGenerateTime bounds the wall-clock time of a single generation call. Default is 30 seconds.
// The bound is checked after every decoding step, so at least one token is always produced.
func WithMaxGenerateTime(maxTime time.Duration) WithOption {
	return func(o *Options) error {
		if maxTime <= 0 {
			return fmt.Errorf("max generate time must be positive, got %s", maxTime)
		}
		o.MaxGenerateTime = maxTime
		return nil
	}
}

// WithCacheDir sets the folder where downloaded checkpoints are stored and looked up.
// Falls back to $HOME/pix2s/models if not specified.
func WithCacheDir(cacheDir string) WithOption {
	return func(o *Options) error {
		o.CacheDir = cacheDir
		return nil
	}
}

// WithLocalFilesOnly forbids (true) or allows (false) downloads from the Hugging Face Hub.
// When never set, the HF_HUB_OFFLINE environment variable decides.
func WithLocalFilesOnly(localOnly bool) WithOption {
	return func(o *Options) error {
		o.LocalFilesOnly = &localOnly
		return nil
	}
}

// WithIdempotentPostprocess makes repeated post-processing of an output leave it unchanged.
func WithIdempotentPostprocess() WithOption {
	return func(o *Options) error {
		o.IdempotentPostprocess = true
		return nil
	}
}

// WithAuthToken sets the Hugging Face token used for gated or private checkpoints. HF_TOKEN is used otherwise.
func WithAuthToken(token string) WithOption {
	return func(o *Options) error {
		o.AuthToken = token
		return nil
	}
}

// WithLogger sets the structured logger. A no-op logger is used by default.
func WithLogger(logger *zap.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		o.Logger = logger
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared library. Either the library file itself
// or the folder containing it can be given.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		libraryPath := ortLibraryPath
		if object.IsDir() {
			libraryPath = fileutil.PathJoinSafe(ortLibraryPath, libraryFileName())
			exists, existsErr := fileutil.FileExists(libraryPath)
			if existsErr != nil {
				return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", existsErr)
			}
			if !exists {
				return fmt.Errorf("ONNX Runtime library %s does not exist in %q", libraryFileName(), ortLibraryPath)
			}
		}
		o.ORTOptions.LibraryPath = &libraryPath
		return nil
	}
}

// WithTelemetry (ORT only) enables onnxruntime telemetry events. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used within a graph node.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used across graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) toggles the CPU memory arena. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) toggles memory pattern preallocation. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) places the encoder and decoder on a CUDA device. The map holds CUDA provider
// options, for example {"device_id": "0"}.
func WithCuda(cudaOptions map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		if cudaOptions == nil {
			cudaOptions = map[string]string{}
		}
		o.ORTOptions.CudaOptions = cudaOptions
		return nil
	}
}
