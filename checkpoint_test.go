package pix2s

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/pix2s/options"
)

func TestSelectCheckpointFiles(t *testing.T) {
	listing := []string{
		".gitattributes",
		"README.md",
		"config.json",
		"generation_config.json",
		"preprocessor_config.json",
		"special_tokens_map.json",
		"tokenizer.json",
		"tokenizer_config.json",
		"onnx/encoder_model.onnx",
		"onnx/decoder_model.onnx",
		"onnx/decoder_with_past_model.onnx",
		"onnx/decoder_model_merged.onnx",
		"pytorch_model.bin",
	}
	files, err := selectCheckpointFiles(listing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"config.json",
		"preprocessor_config.json",
		"tokenizer.json",
		"generation_config.json",
		"special_tokens_map.json",
		"tokenizer_config.json",
		"onnx/encoder_model.onnx",
		"onnx/decoder_model.onnx",
	}, files)
}

func TestSelectCheckpointFilesMissing(t *testing.T) {
	_, err := selectCheckpointFiles([]string{"config.json", "pytorch_model.bin", "onnx/decoder_with_past_model.onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preprocessor_config.json")
	assert.Contains(t, err.Error(), "tokenizer.json")
}

func TestCacheEntryName(t *testing.T) {
	assert.Equal(t, "U4R_StructTable-base", cacheEntryName("U4R/StructTable-base"))
	assert.Equal(t, "org_model", cacheEntryName("org/model:v2"))
}

func TestIsOffline(t *testing.T) {
	yes, no := true, false
	t.Setenv("HF_HUB_OFFLINE", "1")
	assert.True(t, isOffline(nil))
	assert.False(t, isOffline(&no))
	t.Setenv("HF_HUB_OFFLINE", "")
	assert.False(t, isOffline(nil))
	assert.True(t, isOffline(&yes))
}

func TestResolveCheckpointLocalPath(t *testing.T) {
	dir := t.TempDir()
	checkpoint, err := ResolveCheckpoint(context.Background(), dir, options.Defaults())
	require.NoError(t, err)
	assert.Equal(t, dir, checkpoint.Path)
	assert.Equal(t, dir, checkpoint.ID)
}

func writeCheckpoint(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, os.ModePerm))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}
}

var completeCheckpoint = []string{
	"config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"encoder_model.onnx",
	"decoder_model.onnx",
}

func TestResolveCheckpointCacheEntry(t *testing.T) {
	cacheDir := t.TempDir()
	entry := filepath.Join(cacheDir, "org_table-model")
	writeCheckpoint(t, entry, completeCheckpoint...)

	opts := options.Defaults()
	require.NoError(t, options.WithCacheDir(cacheDir)(opts))
	require.NoError(t, options.WithLocalFilesOnly(true)(opts))
	checkpoint, err := ResolveCheckpoint(context.Background(), "org/table-model", opts)
	require.NoError(t, err)
	assert.Equal(t, entry, checkpoint.Path)
	assert.Equal(t, "org/table-model", checkpoint.ID)
}

func TestResolveCheckpointIgnoresPartialCacheEntry(t *testing.T) {
	cacheDir := t.TempDir()
	writeCheckpoint(t, filepath.Join(cacheDir, "org_table-model"), "config.json")

	opts := options.Defaults()
	require.NoError(t, options.WithCacheDir(cacheDir)(opts))
	require.NoError(t, options.WithLocalFilesOnly(true)(opts))
	_, err := ResolveCheckpoint(context.Background(), "org/table-model", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloads are disabled")
}

func TestIsCompleteCheckpoint(t *testing.T) {
	dir := t.TempDir()
	complete, err := isCompleteCheckpoint(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, complete)

	writeCheckpoint(t, dir, "config.json", "preprocessor_config.json", "tokenizer.json", "encoder_model.onnx")
	complete, err = isCompleteCheckpoint(dir)
	require.NoError(t, err)
	assert.False(t, complete)

	writeCheckpoint(t, dir, "decoder_model.onnx")
	complete, err = isCompleteCheckpoint(dir)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestResolveCheckpointRejectsPathShapedModel(t *testing.T) {
	opts := options.Defaults()
	require.NoError(t, options.WithCacheDir(t.TempDir())(opts))
	require.NoError(t, options.WithLocalFilesOnly(false)(opts))
	_, err := ResolveCheckpoint(context.Background(), "/does/not/exist/model", opts)
	require.ErrorIs(t, err, errInvalidModelID)
}

func TestValidateModelID(t *testing.T) {
	for _, valid := range []string{
		"U4R/StructTable-base",
		"model",
		"org/model.v2:main",
		"org/model:refs/pr/1",
	} {
		assert.NoError(t, validateModelID(valid), valid)
	}
	for _, invalid := range []string{
		"/does/not/exist/model",
		"./models/table",
		"../table",
		"~/models/table",
		"org//model",
		"a/b/c",
		"s3://bucket/model",
		`C:\models\table`,
		"C:/models/table",
		"org/model:",
		"org/..model",
		"org/model name",
	} {
		assert.ErrorIs(t, validateModelID(invalid), errInvalidModelID, invalid)
	}
}

func TestInstallCheckpoint(t *testing.T) {
	sourceDir := t.TempDir()
	writeCheckpoint(t, sourceDir, completeCheckpoint...)
	files := make([]checkpointFile, 0, len(completeCheckpoint))
	for _, name := range completeCheckpoint {
		files = append(files, checkpointFile{source: filepath.Join(sourceDir, name), name: name})
	}

	cacheDir := t.TempDir()
	entry := filepath.Join(cacheDir, "org_table-model")
	writeCheckpoint(t, entry, "config.json")

	require.NoError(t, installCheckpoint(context.Background(), files, entry))
	complete, err := isCompleteCheckpoint(entry)
	require.NoError(t, err)
	assert.True(t, complete)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "org_table-model", entries[0].Name())
}

func TestInstallCheckpointFailureLeavesNoEntry(t *testing.T) {
	sourceDir := t.TempDir()
	writeCheckpoint(t, sourceDir, "config.json")
	files := []checkpointFile{
		{source: filepath.Join(sourceDir, "config.json"), name: "config.json"},
		{source: filepath.Join(sourceDir, "tokenizer.json"), name: "tokenizer.json"},
	}

	cacheDir := t.TempDir()
	entry := filepath.Join(cacheDir, "org_table-model")
	require.Error(t, installCheckpoint(context.Background(), files, entry))

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveCheckpointOffline(t *testing.T) {
	opts := options.Defaults()
	require.NoError(t, options.WithCacheDir(t.TempDir())(opts))
	require.NoError(t, options.WithLocalFilesOnly(true)(opts))
	_, err := ResolveCheckpoint(context.Background(), "org/not-cached", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downloads are disabled")
}

func TestResolveCheckpointOfflineFromEnvironment(t *testing.T) {
	t.Setenv("HF_HUB_OFFLINE", "1")
	opts := options.Defaults()
	require.NoError(t, options.WithCacheDir(t.TempDir())(opts))
	_, err := ResolveCheckpoint(context.Background(), "org/not-cached", opts)
	require.Error(t, err)
}
