package pix2s

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s/backends"
	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/imageutil"
)

// noRepeatNGramSize is fixed for table recognition: long repeated runs are the typical failure mode.
const noRepeatNGramSize = 20

// Config is the immutable configuration of a Pix2Struct wrapper.
type Config struct {
	LocalFilesOnly  *bool
	ModelPath       string
	Backend         string
	CacheDir        string
	MaxNewTokens    int
	MaxGenerateTime time.Duration
}

// imageTextProcessor is the part of backends.Processor that inference relies on.
type imageTextProcessor interface {
	Preprocess(images []image.Image) (*backends.PatchBatch, error)
	BatchDecode(sequences [][]uint32, skipSpecialTokens bool) ([]string, error)
	GetStats() []string
	Destroy() error
}

// Pix2Struct turns images of tables into LaTeX. It owns a model and a preprocessor loaded from the same
// checkpoint, and the runtime environment they run on. Calls must be serialised by the caller.
type Pix2Struct struct {
	model              backends.Model
	processor          imageTextProcessor
	options            *options.Options
	logger             *zap.Logger
	environmentDestroy func() error
	config             Config
	destroyed          bool
}

// environmentInit starts a backend runtime and returns the function that stops it.
type environmentInit func(opts *options.Options) (func() error, error)

func newPix2Struct(ctx context.Context, backend string, modelPath string, initEnvironment environmentInit, opts ...options.WithOption) (*Pix2Struct, error) {
	if modelPath == "" {
		modelPath = DefaultModelPath
	}
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, &LoadError{ModelPath: modelPath, Err: err}
		}
	}

	p := &Pix2Struct{
		options: parsedOptions,
		logger:  parsedOptions.Logger,
		config: Config{
			ModelPath:       modelPath,
			Backend:         backend,
			CacheDir:        parsedOptions.CacheDir,
			LocalFilesOnly:  parsedOptions.LocalFilesOnly,
			MaxNewTokens:    parsedOptions.MaxNewTokens,
			MaxGenerateTime: parsedOptions.MaxGenerateTime,
		},
		environmentDestroy: func() error {
			return nil
		},
	}

	if initEnvironment != nil {
		environmentDestroy, err := initEnvironment(parsedOptions)
		if err != nil {
			return nil, &LoadError{ModelPath: modelPath, Err: err}
		}
		p.environmentDestroy = environmentDestroy
	}

	start := time.Now()
	checkpoint, err := ResolveCheckpoint(ctx, modelPath, parsedOptions)
	if err != nil {
		return nil, p.failLoad(err)
	}
	processor, err := backends.LoadProcessor(checkpoint, parsedOptions)
	if err != nil {
		return nil, p.failLoad(fmt.Errorf("loading preprocessor: %w", err))
	}
	p.processor = processor
	model, err := backends.LoadModel(checkpoint, parsedOptions)
	if err != nil {
		return nil, p.failLoad(fmt.Errorf("loading model: %w", err))
	}
	p.model = model
	if err = backends.CheckVocabulary(model, processor); err != nil {
		return nil, p.failLoad(fmt.Errorf("model and preprocessor do not match: %w", err))
	}

	p.logger.Info("pix2struct checkpoint loaded",
		zap.String("model", checkpoint.ID),
		zap.String("path", checkpoint.Path),
		zap.String("backend", backend),
		zap.String("tokenizer", processor.Tokenizer.Runtime),
		zap.Int("vocabSize", model.VocabSize()),
		zap.Int("maxPatches", processor.ImageProcessor.Config.MaxPatches),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

func (p *Pix2Struct) failLoad(err error) error {
	return &LoadError{ModelPath: p.config.ModelPath, Err: errors.Join(err, p.Destroy())}
}

// Infer converts a batch of table images into LaTeX, one string per image in input order.
// An empty batch returns an empty result without running the model.
func (p *Pix2Struct) Infer(ctx context.Context, images []image.Image) ([]string, error) {
	if p.destroyed {
		return nil, &InferenceError{Err: ErrDestroyed}
	}
	if len(images) == 0 {
		return []string{}, nil
	}
	for i, img := range images {
		if img == nil {
			return nil, &InferenceError{Err: fmt.Errorf("image %d is nil", i)}
		}
	}

	logger := p.logger.With(zap.String("requestID", uuid.NewString()), zap.Int("images", len(images)))
	start := time.Now()

	batch, err := p.processor.Preprocess(images)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("preprocessing: %w", err)}
	}
	sequences, err := p.model.Generate(ctx, batch, backends.GenerationConfig{
		MaxNewTokens:      p.config.MaxNewTokens,
		MaxTime:           p.config.MaxGenerateTime,
		NoRepeatNGramSize: noRepeatNGramSize,
	})
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("generating: %w", err)}
	}
	decoded, err := p.processor.BatchDecode(sequences, true)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("decoding: %w", err)}
	}
	if len(decoded) != len(images) {
		return nil, &InferenceError{Err: fmt.Errorf("decoded %d outputs for %d images", len(decoded), len(images))}
	}

	outputs := make([]string, len(decoded))
	for i, code := range decoded {
		if p.options.IdempotentPostprocess {
			outputs[i] = NormalizeLatex(code)
		} else {
			outputs[i] = PostprocessLatex(code)
		}
	}
	logger.Debug("inference finished", zap.Duration("elapsed", time.Since(start)))
	return outputs, nil
}

// InferOne runs Infer on a single image.
func (p *Pix2Struct) InferOne(ctx context.Context, img image.Image) (string, error) {
	outputs, err := p.Infer(ctx, []image.Image{img})
	if err != nil {
		return "", err
	}
	return outputs[0], nil
}

// InferPaths reads and decodes the images at the given local or S3 paths, then runs Infer on them.
func (p *Pix2Struct) InferPaths(ctx context.Context, paths []string) ([]string, error) {
	if p.destroyed {
		return nil, &InferenceError{Err: ErrDestroyed}
	}
	images, err := imageutil.LoadImagesFromPaths(paths)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return p.Infer(ctx, images)
}

// Config returns a copy of the configuration the wrapper was built with.
func (p *Pix2Struct) Config() Config {
	config := p.config
	if p.config.LocalFilesOnly != nil {
		localFilesOnly := *p.config.LocalFilesOnly
		config.LocalFilesOnly = &localFilesOnly
	}
	return config
}

// SupportedOutputFormats lists the output formats Infer produces.
func (p *Pix2Struct) SupportedOutputFormats() []string {
	return SupportedOutputFormats()
}

// GetStats returns runtime statistics for preprocessing, the encoder and decoder graphs and decoding.
func (p *Pix2Struct) GetStats() []string {
	var stats []string
	if p.processor != nil {
		stats = append(stats, p.processor.GetStats()...)
	}
	if p.model != nil {
		stats = append(stats, p.model.GetStats()...)
	}
	return stats
}

// Destroy releases the model, the tokenizer and the runtime environment. Calling it again is a no-op.
func (p *Pix2Struct) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	var err error
	if p.model != nil {
		err = errors.Join(err, p.model.Destroy())
	}
	if p.processor != nil {
		err = errors.Join(err, p.processor.Destroy())
	}
	err = errors.Join(err, p.options.Destroy(), p.environmentDestroy())
	return err
}
