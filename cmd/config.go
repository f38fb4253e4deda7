package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/pix2s/util/fileutil"
)

// runConfig holds every setting of the run command. Flags (and their environment variables) win over the
// values of the --config file, which win over the flag defaults.
type runConfig struct {
	Model                    string        `yaml:"model"`
	Input                    string        `yaml:"input"`
	Output                   string        `yaml:"output"`
	Backend                  string        `yaml:"backend"`
	CacheDir                 string        `yaml:"cacheDir"`
	OnnxRuntimeSharedLibrary string        `yaml:"onnxruntimeSharedLibrary"`
	LogFile                  string        `yaml:"logFile"`
	MaxTime                  time.Duration `yaml:"maxTime"`
	BatchSize                int           `yaml:"batchSize"`
	MaxNewTokens             int           `yaml:"maxNewTokens"`
	LocalFilesOnly           bool          `yaml:"localFilesOnly"`
	Verbose                  bool          `yaml:"verbose"`
	IdempotentPostprocess    bool          `yaml:"idempotentPostprocess"`
}

func loadConfigFile(configPath string) (runConfig, error) {
	var fileConfig runConfig
	data, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return fileConfig, fmt.Errorf("reading config file %s: %w", configPath, err)
	}
	if err = yaml.Unmarshal(data, &fileConfig); err != nil {
		return fileConfig, fmt.Errorf("parsing config file %s: %w", configPath, err)
	}
	return fileConfig, nil
}

// mergeFileConfig copies the values of fileConfig for the flags that were not set explicitly.
func (c *runConfig) mergeFileConfig(ctx *cli.Context, fileConfig runConfig) {
	mergeValue(ctx, "model", &c.Model, fileConfig.Model)
	mergeValue(ctx, "input", &c.Input, fileConfig.Input)
	mergeValue(ctx, "output", &c.Output, fileConfig.Output)
	mergeValue(ctx, "backend", &c.Backend, fileConfig.Backend)
	mergeValue(ctx, "cacheDir", &c.CacheDir, fileConfig.CacheDir)
	mergeValue(ctx, "onnxruntimeSharedLibrary", &c.OnnxRuntimeSharedLibrary, fileConfig.OnnxRuntimeSharedLibrary)
	mergeValue(ctx, "logFile", &c.LogFile, fileConfig.LogFile)
	mergeValue(ctx, "maxTime", &c.MaxTime, fileConfig.MaxTime)
	mergeValue(ctx, "batchSize", &c.BatchSize, fileConfig.BatchSize)
	mergeValue(ctx, "maxNewTokens", &c.MaxNewTokens, fileConfig.MaxNewTokens)
	mergeValue(ctx, "localFilesOnly", &c.LocalFilesOnly, fileConfig.LocalFilesOnly)
	mergeValue(ctx, "verbose", &c.Verbose, fileConfig.Verbose)
	mergeValue(ctx, "idempotentPostprocess", &c.IdempotentPostprocess, fileConfig.IdempotentPostprocess)
}

func mergeValue[T comparable](ctx *cli.Context, flagName string, target *T, fileValue T) {
	var zero T
	if ctx.IsSet(flagName) || fileValue == zero {
		return
	}
	*target = fileValue
}

// loadDotEnv loads a .env file from the working directory when there is one.
func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}
