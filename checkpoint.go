package pix2s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s/backends"
	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/fileutil"
)

// DefaultModelPath is the checkpoint used when no model path is given.
const DefaultModelPath = "U4R/StructTable-base"

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	Logger                *zap.Logger
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         time.Duration
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Logger:                zap.NewNop(),
		Branch:                "main",
		MaxRetries:            5,
		RetryInterval:         5 * time.Second,
		ConcurrentConnections: 5,
	}
}

var (
	// repoIDPattern matches [namespace/]name with the characters the Hugging Face Hub accepts.
	repoIDPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*/)?[A-Za-z0-9][A-Za-z0-9._-]*$`)

	errInvalidModelID = errors.New("not a Hugging Face model identifier")

	requiredCheckpointFiles = []string{backends.ConfigFile, backends.PreprocessorConfigFile, backends.TokenizerFile}
	optionalCheckpointFiles = []string{backends.GenerationConfigFile, "special_tokens_map.json", "tokenizer_config.json"}
)

// ResolveCheckpoint finds the folder a checkpoint is loaded from. In order: modelPath itself when it exists
// (local or S3), then the cache entry <cacheDir>/<modelPath with "/" replaced by "_">, then a download from the
// Hugging Face Hub into that cache entry. Downloads are refused when running offline.
func ResolveCheckpoint(ctx context.Context, modelPath string, opts *options.Options) (backends.Checkpoint, error) {
	checkpoint := backends.Checkpoint{ID: modelPath}
	if modelPath == "" {
		return checkpoint, errors.New("a model path or identifier is required")
	}

	exists, err := fileutil.FileExists(modelPath)
	if err != nil {
		return checkpoint, fmt.Errorf("checking %s: %w", modelPath, err)
	}
	if exists {
		checkpoint.Path = modelPath
		return checkpoint, nil
	}

	if err = validateModelID(modelPath); err != nil {
		return checkpoint, fmt.Errorf("%s does not exist: %w", modelPath, err)
	}

	cacheDir, err := cacheDirectory(opts.CacheDir)
	if err != nil {
		return checkpoint, err
	}
	cachedPath := fileutil.PathJoinSafe(cacheDir, cacheEntryName(modelPath))
	complete, err := isCompleteCheckpoint(cachedPath)
	if err != nil {
		return checkpoint, fmt.Errorf("checking cache entry %s: %w", cachedPath, err)
	}
	if complete {
		checkpoint.Path = cachedPath
		return checkpoint, nil
	}

	if isOffline(opts.LocalFilesOnly) {
		return checkpoint, fmt.Errorf("checkpoint %s not found locally or complete in %s and downloads are disabled", modelPath, cacheDir)
	}

	downloadOptions := NewDownloadOptions()
	downloadOptions.Logger = opts.Logger
	downloadOptions.AuthToken = opts.AuthToken
	if downloadOptions.AuthToken == "" {
		downloadOptions.AuthToken = os.Getenv("HF_TOKEN")
	}
	downloadedPath, err := DownloadModel(ctx, modelPath, cacheDir, downloadOptions)
	if err != nil {
		return checkpoint, err
	}
	checkpoint.Path = downloadedPath
	return checkpoint, nil
}

func cacheDirectory(cacheDir string) (string, error) {
	if cacheDir != "" {
		return cacheDir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no cache directory given and the home directory is unknown: %w", err)
	}
	return fileutil.PathJoinSafe(homeDir, "pix2s", "models"), nil
}

// validateModelID accepts [namespace/]name[:revision]. Anything shaped like a filesystem or S3 path is rejected.
func validateModelID(modelID string) error {
	name, revision, hasRevision := strings.Cut(modelID, ":")
	switch {
	case strings.ContainsAny(modelID, "\\ "), strings.Contains(modelID, "//"), strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q", errInvalidModelID, modelID)
	case !repoIDPattern.MatchString(name):
		return fmt.Errorf("%w: %q", errInvalidModelID, modelID)
	case hasRevision && (revision == "" || strings.HasPrefix(revision, "/")):
		return fmt.Errorf("%w: invalid revision in %q", errInvalidModelID, modelID)
	}
	return nil
}

// isCompleteCheckpoint reports whether dir holds every file a checkpoint is loaded from.
// A missing folder is not an error.
func isCompleteCheckpoint(dir string) (bool, error) {
	exists, err := fileutil.FileExists(dir)
	if err != nil || !exists {
		return false, err
	}
	var files []string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
		if !info.IsDir() {
			files = append(files, path.Join(parent, info.Name()))
		}
		return true, nil
	}
	if err = fileutil.WalkDir()(context.Background(), dir, walker); err != nil {
		return false, err
	}
	_, err = selectCheckpointFiles(files)
	return err == nil, nil
}

// checkpointFile is one file of a checkpoint: where it is read from and its name inside the checkpoint.
type checkpointFile struct {
	source string
	name   string
}

// installCheckpoint copies files into a temporary sibling of modelPath and moves it into place once every copy
// succeeded, so an interrupted install never leaves a partial checkpoint at modelPath. An existing entry at
// modelPath is replaced.
func installCheckpoint(ctx context.Context, files []checkpointFile, modelPath string) (err error) {
	stagingPath := fmt.Sprintf("%s.download-%s", modelPath, uuid.NewString())
	defer func() {
		if err != nil {
			err = errors.Join(err, fileutil.DeletePath(ctx, stagingPath))
		}
	}()
	if err = fileutil.CreateDir(stagingPath); err != nil {
		return err
	}
	for _, file := range files {
		if err = fileutil.CopyFile(ctx, file.source, fileutil.PathJoinSafe(stagingPath, file.name)); err != nil {
			return fmt.Errorf("copying %s: %w", file.name, err)
		}
	}
	if err = fileutil.DeletePath(ctx, modelPath); err != nil {
		return fmt.Errorf("removing incomplete checkpoint %s: %w", modelPath, err)
	}
	return fileutil.MoveDir(ctx, stagingPath, modelPath)
}

func cacheEntryName(modelName string) string {
	// a revision suffix (name:revision) is not part of the entry name
	name, _, _ := strings.Cut(modelName, ":")
	return strings.ReplaceAll(name, "/", "_")
}

// isOffline follows the explicit flag when set, and HF_HUB_OFFLINE otherwise.
func isOffline(localFilesOnly *bool) bool {
	if localFilesOnly != nil {
		return *localFilesOnly
	}
	switch strings.ToLower(os.Getenv("HF_HUB_OFFLINE")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// selectCheckpointFiles picks the files of a repository listing a checkpoint needs: the configuration and
// tokenizer files at the repository root, and the encoder and the decoder graph wherever they are.
func selectCheckpointFiles(repoFiles []string) ([]string, error) {
	var errs []error
	var files []string
	for _, required := range requiredCheckpointFiles {
		if slices.Contains(repoFiles, required) {
			files = append(files, required)
		} else {
			errs = append(errs, fmt.Errorf("%s is missing", required))
		}
	}
	for _, optional := range optionalCheckpointFiles {
		if slices.Contains(repoFiles, optional) {
			files = append(files, optional)
		}
	}
	encoder, decoder, err := backends.SelectEncoderDecoderFiles(repoFiles)
	if err != nil {
		errs = append(errs, err)
	} else {
		files = append(files, encoder, decoder)
	}
	return files, errors.Join(errs...)
}
