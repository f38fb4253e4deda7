package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s"
	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var cfg runConfig
var configPath string

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Convert images of tables to LaTeX",
	Description: `Run expects a path to an image or to a folder of images. Folders are walked recursively and every
				png, jpeg, gif, bmp, tiff and webp file is processed. Each result is written as a json line
				of the format {"input": "path/to/image.png", "output": "\\begin{tabular}..."}.
				`,
	ArgsUsage: `
				--input: path to an image or a folder with images to process (local or s3://). If omitted, newline separated image paths are read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: model name or path to the checkpoint folder. The pix2s cli looks for checkpoints with this chain: first use the provided path. If the path does not exist, look for a checkpoint
				with this name at $HOME/pix2s/models. Finally, try to download the checkpoint from Huggingface and use it.
				--onnxruntimeSharedLibrary: path to the onnxruntime.so library. If not provided, the cli will try to load it from $HOME/lib/pix2s/onnxruntime.so, and from /usr/lib/onnxruntime.so in the last instance.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Checkpoint name or path",
			Aliases:     []string{"p"},
			EnvVars:     []string{"PIX2S_MODEL"},
			Destination: &cfg.Model,
			Value:       pix2s.DefaultModelPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to an image or a folder of images",
			Aliases:     []string{"i"},
			Destination: &cfg.Input,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &cfg.Output,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, ORT or GO. Defaults to ORT when compiled in",
			EnvVars:     []string{"PIX2S_BACKEND"},
			Destination: &cfg.Backend,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			EnvVars:     []string{"PIX2S_ONNXRUNTIME_LIBRARY"},
			Destination: &cfg.OnnxRuntimeSharedLibrary,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images to process in a batch",
			Aliases:     []string{"b"},
			Destination: &cfg.BatchSize,
			Value:       4,
		},
		&cli.StringFlag{
			Name:        "cacheDir",
			Usage:       "Folder where to store downloaded checkpoints. Falls back to $HOME/pix2s/models if not specified",
			Aliases:     []string{"f"},
			EnvVars:     []string{"PIX2S_CACHE_DIR"},
			Destination: &cfg.CacheDir,
		},
		&cli.BoolFlag{
			Name:        "localFilesOnly",
			Usage:       "Never download checkpoints. HF_HUB_OFFLINE decides when not set",
			Destination: &cfg.LocalFilesOnly,
		},
		&cli.IntFlag{
			Name:        "maxNewTokens",
			Usage:       "Maximum number of tokens generated per image",
			Destination: &cfg.MaxNewTokens,
			Value:       options.DefaultMaxNewTokens,
		},
		&cli.DurationFlag{
			Name:        "maxTime",
			Usage:       "Maximum generation time per batch",
			Destination: &cfg.MaxTime,
			Value:       options.DefaultMaxGenerateTime,
		},
		&cli.BoolFlag{
			Name:        "idempotentPostprocess",
			Usage:       "Only add a space after \\midrule and \\hline when none follows",
			Destination: &cfg.IdempotentPostprocess,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML file with default values for these flags",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "logFile",
			Usage:       "Also write JSON logs to this file, rotated by size",
			Destination: &cfg.LogFile,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Log at debug level",
			Aliases:     []string{"v"},
			Destination: &cfg.Verbose,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		if configPath != "" {
			fileConfig, err := loadConfigFile(configPath)
			if err != nil {
				return err
			}
			cfg.mergeFileConfig(ctx, fileConfig)
		}
		if cfg.BatchSize <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
		}

		logger := newLogger(cfg.Verbose, cfg.LogFile)
		defer func() {
			_ = logger.Sync()
		}()

		model, err := newModel(ctx, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, model.Destroy())
		}()

		inputChannel := make(chan []string, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var failedBatches atomic.Int64
		var processedWg, writeWg sync.WaitGroup

		// one worker: a model instance does not support concurrent calls
		processedWg.Add(1)
		go processWithModel(ctx.Context, &processedWg, inputChannel, processedChannel, errorsChannel, model)

		var writer io.WriteCloser = os.Stdout
		if cfg.Output != "" {
			dest := fileutil.PathJoinSafe(cfg.Output, "result-0.jsonl")
			writer, err = fileutil.NewFileWriter(ctx.Context, dest)
			if err != nil {
				close(inputChannel)
				processedWg.Wait()
				return err
			}
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer, logger, &failedBatches)

		readErr := readInputs(ctx.Context, cfg.Input, inputChannel)

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()

		if cfg.Output != "" {
			readErr = errors.Join(readErr, writer.Close())
		}
		for _, stat := range model.GetStats() {
			logger.Debug(stat)
		}
		if failed := failedBatches.Load(); failed > 0 {
			readErr = errors.Join(readErr, fmt.Errorf("%d batches failed", failed))
		}
		return readErr
	},
}

func newModel(ctx *cli.Context, logger *zap.Logger) (*pix2s.Pix2Struct, error) {
	opts := []options.WithOption{
		options.WithLogger(logger),
		options.WithMaxNewTokens(cfg.MaxNewTokens),
		options.WithMaxGenerateTime(cfg.MaxTime),
	}
	if cfg.CacheDir != "" {
		opts = append(opts, options.WithCacheDir(cfg.CacheDir))
	}
	if cfg.LocalFilesOnly || ctx.IsSet("localFilesOnly") {
		opts = append(opts, options.WithLocalFilesOnly(cfg.LocalFilesOnly))
	}
	if cfg.IdempotentPostprocess {
		opts = append(opts, options.WithIdempotentPostprocess())
	}

	backend := strings.ToUpper(cfg.Backend)
	if backend == "" && cfg.OnnxRuntimeSharedLibrary != "" {
		backend = "ORT"
	}
	switch backend {
	case "":
		return pix2s.New(cfg.Model, opts...)
	case "GO":
		return pix2s.NewGo(cfg.Model, opts...)
	case "ORT":
		if libraryPath := onnxLibraryPath(); libraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(libraryPath))
		}
		return pix2s.NewORT(cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("backend %s not implemented", cfg.Backend)
	}
}

func onnxLibraryPath() string {
	if cfg.OnnxRuntimeSharedLibrary != "" {
		return cfg.OnnxRuntimeSharedLibrary
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := fileutil.PathJoinSafe(homeDir, "lib", "pix2s", "onnxruntime.so")
	if exists, existsErr := fileutil.FileExists(candidate); existsErr == nil && exists {
		return candidate
	}
	return ""
}

func main() {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	app := &cli.App{
		Name:     "pix2s",
		Usage:    "Table images to LaTeX from the command line",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.Writer, logger *zap.Logger, failedBatches *atomic.Int64) {
	defer wg.Done()
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			if _, err := writeTarget.Write(append(output, '\n')); err != nil {
				logger.Error("writing output", zap.Error(err))
				failedBatches.Add(1)
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			logger.Error("processing batch", zap.Error(err))
			failedBatches.Add(1)
		}
	}
}

func processWithModel(ctx context.Context, wg *sync.WaitGroup, inputChannel chan []string, processedChannel chan []byte, errorsChannel chan error, model *pix2s.Pix2Struct) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		outputs, err := model.InferPaths(ctx, inputBatch)
		if err != nil {
			errorsChannel <- fmt.Errorf("batch starting at %s: %w", inputBatch[0], err)
			continue
		}
		for i, latex := range outputs {
			outputBytes, marshallErr := json.Marshal(result{Input: inputBatch[i], Output: latex})
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
}

// readInputs sends batches of image paths found at inputPath, or read from stdin when inputPath is empty.
func readInputs(ctx context.Context, inputPath string, inputChannel chan []string) error {
	batcher := &pathBatcher{size: cfg.BatchSize, out: inputChannel}
	defer batcher.flush()

	if inputPath == "" {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return errors.New("no --input given and nothing to read on stdin")
		}
		return readPathList(os.Stdin, batcher)
	}

	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	object, err := fileutil.FileStats(inputPath)
	if err != nil {
		return err
	}
	if !object.IsDir() {
		batcher.add(inputPath)
		return nil
	}

	fileWalker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if !info.IsDir() && isImageFile(info.Name()) {
			batcher.add(fileutil.PathJoinSafe(inputPath, parent, info.Name()))
		}
		return true, nil
	}
	return fileutil.WalkDir()(ctx, inputPath, fileWalker)
}

func readPathList(source io.Reader, batcher *pathBatcher) error {
	reader := bufio.NewReader(source)
	for {
		line, err := fileutil.ReadLine(reader)
		if imagePath := strings.TrimSpace(string(line)); imagePath != "" {
			batcher.add(imagePath)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func isImageFile(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

type pathBatcher struct {
	out   chan []string
	batch []string
	size  int
}

func (b *pathBatcher) add(imagePath string) {
	b.batch = append(b.batch, imagePath)
	if len(b.batch) == b.size {
		b.out <- b.batch
		b.batch = nil
	}
}

func (b *pathBatcher) flush() {
	if len(b.batch) > 0 {
		b.out <- b.batch
		b.batch = nil
	}
}

type result struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}
