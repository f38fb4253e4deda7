package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, 1024, o.MaxNewTokens)
	assert.Equal(t, 30*time.Second, o.MaxGenerateTime)
	assert.Nil(t, o.LocalFilesOnly)
	assert.Empty(t, o.CacheDir)
	assert.NotNil(t, o.Logger)
	require.NotNil(t, o.ORTOptions.LibraryPath)
	assert.NoError(t, o.Destroy())
}

func TestGenerationOptions(t *testing.T) {
	o := Defaults()
	require.NoError(t, WithMaxNewTokens(12)(o))
	require.NoError(t, WithMaxGenerateTime(time.Second)(o))
	assert.Equal(t, 12, o.MaxNewTokens)
	assert.Equal(t, time.Second, o.MaxGenerateTime)

	assert.Error(t, WithMaxNewTokens(0)(o))
	assert.Error(t, WithMaxGenerateTime(-time.Second)(o))
	assert.Equal(t, 12, o.MaxNewTokens)
}

func TestCheckpointOptions(t *testing.T) {
	o := Defaults()
	require.NoError(t, WithCacheDir("/tmp/models")(o))
	require.NoError(t, WithLocalFilesOnly(false)(o))
	require.NoError(t, WithAuthToken("hf_token")(o))
	require.NoError(t, WithIdempotentPostprocess()(o))
	assert.Equal(t, "/tmp/models", o.CacheDir)
	require.NotNil(t, o.LocalFilesOnly)
	assert.False(t, *o.LocalFilesOnly)
	assert.Equal(t, "hf_token", o.AuthToken)
	assert.True(t, o.IdempotentPostprocess)
}

func TestWithLogger(t *testing.T) {
	o := Defaults()
	logger := zap.NewExample()
	require.NoError(t, WithLogger(logger)(o))
	assert.Same(t, logger, o.Logger)
	assert.Error(t, WithLogger(nil)(o))
}

func TestOrtOptionsRequireOrtBackend(t *testing.T) {
	o := Defaults()
	o.Backend = "GO"
	for _, option := range []WithOption{
		WithOnnxLibraryPath("/usr/lib"),
		WithTelemetry(),
		WithIntraOpNumThreads(1),
		WithInterOpNumThreads(1),
		WithCPUMemArena(false),
		WithMemPattern(false),
		WithCuda(nil),
	} {
		assert.Error(t, option(o))
	}
}

func TestOrtOptions(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"
	require.NoError(t, WithTelemetry()(o))
	require.NoError(t, WithIntraOpNumThreads(2)(o))
	require.NoError(t, WithInterOpNumThreads(3)(o))
	require.NoError(t, WithCPUMemArena(false)(o))
	require.NoError(t, WithMemPattern(true)(o))
	require.NoError(t, WithCuda(nil)(o))

	assert.True(t, *o.ORTOptions.Telemetry)
	assert.Equal(t, 2, *o.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 3, *o.ORTOptions.InterOpNumThreads)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.True(t, *o.ORTOptions.MemPattern)
	assert.NotNil(t, o.ORTOptions.CudaOptions)
}

func TestWithOnnxLibraryPath(t *testing.T) {
	dir := t.TempDir()
	library := filepath.Join(dir, libraryFileName())
	require.NoError(t, os.WriteFile(library, []byte("not really a library"), 0o600))

	o := Defaults()
	o.Backend = "ORT"
	require.NoError(t, WithOnnxLibraryPath(dir)(o))
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)

	require.NoError(t, WithOnnxLibraryPath(library)(o))
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)

	assert.Error(t, WithOnnxLibraryPath(filepath.Join(dir, "missing"))(o))
	assert.Error(t, WithOnnxLibraryPath(t.TempDir())(o))
}
