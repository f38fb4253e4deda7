package backends

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/fileutil"
)

var ErrModelDestroyed = errors.New("model has been destroyed")

// Checkpoint identifies one pretrained checkpoint. ID is what the caller asked for (a Hub identifier or a path),
// Path the resolved local or S3 folder every artifact is loaded from.
type Checkpoint struct {
	ID   string
	Path string
}

// GenerationConfig bounds one Generate call.
type GenerationConfig struct {
	MaxNewTokens      int
	MaxTime           time.Duration
	NoRepeatNGramSize int
}

// Model is the capability the wrapper needs from a loaded vision-to-sequence checkpoint: turning a batch of
// flattened patches into generated token ids. Returned sequences exclude the decoder start token.
type Model interface {
	Generate(ctx context.Context, batch *PatchBatch, config GenerationConfig) ([][]uint32, error)
	Checkpoint() Checkpoint
	Config() ModelConfig
	VocabSize() int
	GetStats() []string
	Destroy() error
}

// LoadModel reads the checkpoint configuration, locates the encoder and decoder graphs and creates
// one session per graph on the backend selected in opts.
func LoadModel(checkpoint Checkpoint, opts *options.Options) (Model, error) {
	config, err := LoadModelConfig(checkpoint.Path)
	if err != nil {
		return nil, err
	}

	onnxFiles, err := getOnnxFiles(checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("listing onnx files at %s: %w", checkpoint.Path, err)
	}
	encoderPath, decoderPath, err := SelectEncoderDecoderFiles(onnxFiles)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, checkpoint.Path)
	}

	encoder, err := loadSession(encoderPath, []string{"last_hidden_state"}, opts)
	if err != nil {
		return nil, fmt.Errorf("loading encoder %s: %w", encoderPath, err)
	}
	decoder, err := loadSession(decoderPath, []string{"logits"}, opts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("loading decoder %s: %w", decoderPath, err), encoder.Destroy())
	}

	model, err := newVision2SeqModel(checkpoint, config, encoder, decoder, opts)
	if err != nil {
		return nil, errors.Join(err, encoder.Destroy(), decoder.Destroy())
	}
	return model, nil
}

func loadSession(onnxPath string, outputNames []string, opts *options.Options) (Session, error) {
	onnxBytes, err := fileutil.ReadFileBytes(onnxPath)
	if err != nil {
		return nil, err
	}
	return NewSession(onnxBytes, outputNames, opts)
}

func getOnnxFiles(path string) ([]string, error) {
	var onnxFiles []string
	// parent is relative to the walked folder
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, fileutil.PathJoinSafe(path, parent, info.Name()))
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// SelectEncoderDecoderFiles picks the encoder graph and the decoder graph without past key values
// from a list of .onnx paths. Exact optimum export names win, otherwise the shortest matching name.
func SelectEncoderDecoderFiles(paths []string) (string, string, error) {
	var encoders, decoders []string
	for _, p := range paths {
		base := strings.ToLower(filepath.Base(p))
		if filepath.Ext(base) != ".onnx" {
			continue
		}
		switch {
		case strings.Contains(base, "encoder") && !strings.Contains(base, "decoder"):
			encoders = append(encoders, p)
		case strings.Contains(base, "decoder") &&
			!strings.Contains(base, "with_past") &&
			!strings.Contains(base, "merged") &&
			!strings.Contains(base, "init"):
			decoders = append(decoders, p)
		}
	}

	var errs []error
	encoder := pickOnnxFile(encoders, "encoder_model.onnx")
	if encoder == "" {
		errs = append(errs, errors.New("no encoder .onnx file found"))
	}
	decoder := pickOnnxFile(decoders, "decoder_model.onnx")
	if decoder == "" {
		errs = append(errs, errors.New("no decoder .onnx file without past key values found"))
	}
	return encoder, decoder, errors.Join(errs...)
}

func pickOnnxFile(candidates []string, preferred string) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if strings.ToLower(filepath.Base(c)) == preferred {
			return c
		}
	}
	return slices.MinFunc(candidates, func(a, b string) int {
		if n := cmp.Compare(len(filepath.Base(a)), len(filepath.Base(b))); n != 0 {
			return n
		}
		return cmp.Compare(a, b)
	})
}
