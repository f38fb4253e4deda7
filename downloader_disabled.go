//go:build NODOWNLOAD

package pix2s

import (
	"context"
	"errors"
)

func DownloadModel(_ context.Context, _ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("this build was compiled with NODOWNLOAD, place the checkpoint in the cache directory instead")
}
