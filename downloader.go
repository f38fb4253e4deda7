//go:build !NODOWNLOAD

package pix2s

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s/util/fileutil"
)

// DownloadModel can be used to download a checkpoint directly from huggingface into <destination>/<name>.
// Before downloading, the repository listing is validated to contain the configuration files, the tokenizer
// and an encoder and a decoder .onnx graph.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validateModelID(modelName); err != nil {
		return "", err
	}
	modelPath := fileutil.PathJoinSafe(destination, cacheEntryName(modelName))

	repoName, revision, hasRevision := strings.Cut(modelName, ":")
	repo := hub.New(repoName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	switch {
	case hasRevision && revision != "":
		repo.WithRevision(revision)
	case options.Branch != "":
		repo.WithRevision(options.Branch)
	}

	maxRetries := max(options.MaxRetries, 1)
	err := withRetries(ctx, maxRetries, options.RetryInterval, logger, "listing repository", func() error {
		return repo.DownloadInfo(false)
	})
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", modelName, err)
	}
	var repoFiles []string
	for fileName, iterErr := range repo.IterFileNames() {
		if iterErr != nil {
			return "", iterErr
		}
		repoFiles = append(repoFiles, fileName)
	}
	downloadFiles, err := selectCheckpointFiles(repoFiles)
	if err != nil {
		return "", fmt.Errorf("%s is not a usable pix2struct onnx checkpoint: %w", modelName, err)
	}

	var downloadPaths []string
	err = withRetries(ctx, maxRetries, options.RetryInterval, logger, "downloading files", func() error {
		var downloadErr error
		downloadPaths, downloadErr = repo.DownloadFiles(downloadFiles...)
		return downloadErr
	})
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", modelName, err)
	}

	files := make([]checkpointFile, 0, len(downloadPaths))
	for j, downloadPath := range downloadPaths {
		truePath, symErr := filepath.EvalSymlinks(downloadPath)
		if symErr != nil {
			return "", symErr
		}
		files = append(files, checkpointFile{source: truePath, name: path.Base(downloadFiles[j])})
	}
	if err = installCheckpoint(ctx, files, modelPath); err != nil {
		return "", fmt.Errorf("installing %s into %s: %w", modelName, modelPath, err)
	}
	logger.Info("checkpoint downloaded", zap.String("model", modelName), zap.String("path", modelPath))
	return modelPath, nil
}

func withRetries(ctx context.Context, maxRetries int, interval time.Duration, logger *zap.Logger, action string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		transient := isTransientError(err)
		logger.Warn("hub request failed",
			zap.String("action", action),
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", maxRetries),
			zap.Bool("retrying", transient && attempt < maxRetries),
			zap.Error(err))
		if !transient || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(interval):
		}
	}
	return err
}

var hubStatusPattern = regexp.MustCompile(`bad status code (\d{3})`)

// isTransientError reports whether a failed hub request is worth repeating. Unknown hosts, cancellation
// and client errors other than 408 and 429 fail the same way on every attempt.
func isTransientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	if match := hubStatusPattern.FindStringSubmatch(err.Error()); match != nil {
		status, _ := strconv.Atoi(match[1])
		if status >= 400 && status < 500 {
			return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
		}
	}
	return true
}

