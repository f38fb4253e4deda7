package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCheckpointFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestLoadModelConfig(t *testing.T) {
	dir := writeCheckpointFiles(t, map[string]string{
		ConfigFile: `{
			"decoder_start_token_id": 0,
			"pad_token_id": 0,
			"text_config": {"vocab_size": 50244, "eos_token_id": 1, "pad_token_id": 0}
		}`,
	})
	config, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 50244, config.VocabSize)
	assert.Equal(t, int64(0), config.DecoderStartTokenID)
	assert.Equal(t, map[int64]bool{1: true}, config.EosTokenIDs)
}

func TestLoadModelConfigGenerationOverrides(t *testing.T) {
	dir := writeCheckpointFiles(t, map[string]string{
		ConfigFile:           `{"vocab_size": 100, "eos_token_id": 1, "decoder_start_token_id": 0}`,
		GenerationConfigFile: `{"eos_token_id": [1, 2], "decoder_start_token_id": 3, "vocab_size": 5}`,
	})
	config, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 100, config.VocabSize)
	assert.Equal(t, int64(3), config.DecoderStartTokenID)
	assert.Equal(t, map[int64]bool{1: true, 2: true}, config.EosTokenIDs)
}

func TestLoadModelConfigErrors(t *testing.T) {
	_, err := LoadModelConfig(t.TempDir())
	assert.ErrorContains(t, err, ConfigFile)

	_, err = LoadModelConfig(writeCheckpointFiles(t, map[string]string{ConfigFile: `{"eos_token_id": 1}`}))
	assert.ErrorContains(t, err, "vocab_size")

	_, err = LoadModelConfig(writeCheckpointFiles(t, map[string]string{ConfigFile: `{"vocab_size": `}))
	assert.Error(t, err)
}

func TestLoadImageProcessorConfig(t *testing.T) {
	config, err := LoadImageProcessorConfig(writeCheckpointFiles(t, map[string]string{
		PreprocessorConfigFile: `{"image_processor_type": "Pix2StructImageProcessor", "max_patches": 1024}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, PatchSize{Height: 16, Width: 16}, config.PatchSize)
	assert.Equal(t, 1024, config.MaxPatches)
	assert.True(t, *config.DoNormalize)
	assert.True(t, *config.DoConvertRGB)

	config, err = LoadImageProcessorConfig(writeCheckpointFiles(t, map[string]string{
		PreprocessorConfigFile: `{"patch_size": {"height": 8, "width": 8}, "do_normalize": false}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, PatchSize{Height: 8, Width: 8}, config.PatchSize)
	assert.Equal(t, DefaultMaxPatches, config.MaxPatches)
	assert.False(t, *config.DoNormalize)

	_, err = LoadImageProcessorConfig(writeCheckpointFiles(t, map[string]string{
		PreprocessorConfigFile: `{"is_vqa": true}`,
	}))
	assert.ErrorContains(t, err, "VQA")
}
