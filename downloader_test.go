//go:build !NODOWNLOAD

package pix2s

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestIsTransientError(t *testing.T) {
	unknownHost := &net.DNSError{Err: "no such host", Name: "huggingface.co", IsNotFound: true}
	assert.False(t, isTransientError(fmt.Errorf("failed to download repository info: %w", unknownHost)))
	assert.False(t, isTransientError(errors.New(`bad status code 404: "Repository not found"`)))
	assert.False(t, isTransientError(errors.New(`bad status code 401: ""`)))
	assert.False(t, isTransientError(context.Canceled))
	assert.True(t, isTransientError(errors.New(`bad status code 429: ""`)))
	assert.True(t, isTransientError(errors.New(`bad status code 503: ""`)))
	assert.True(t, isTransientError(&net.DNSError{Err: "server misbehaving", IsTemporary: true}))
	assert.True(t, isTransientError(errors.New("connection reset by peer")))
}

func TestWithRetries(t *testing.T) {
	calls := 0
	err := withRetries(context.Background(), 5, time.Millisecond, zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withRetries(context.Background(), 5, time.Hour, zap.NewNop(), "test", func() error {
		calls++
		return errors.New(`bad status code 404: "Repository not found"`)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
