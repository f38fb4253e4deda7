package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s"
)

func writeTestImage(t *testing.T, imagePath string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for x := range 8 {
		img.Set(x, 1, color.Black)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(imagePath), os.ModePerm))
	file, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(file, img))
	require.NoError(t, file.Close())
}

func drain(ch chan []string) [][]string {
	close(ch)
	var batches [][]string
	for batch := range ch {
		batches = append(batches, batch)
	}
	return batches
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, isImageFile("table.png"))
	assert.True(t, isImageFile("TABLE.JPG"))
	assert.True(t, isImageFile("scan.tiff"))
	assert.False(t, isImageFile("results.jsonl"))
	assert.False(t, isImageFile("png"))
}

func TestPathBatcher(t *testing.T) {
	ch := make(chan []string, 10)
	batcher := &pathBatcher{size: 2, out: ch}
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		batcher.add(p)
	}
	batcher.flush()
	batcher.flush()
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, drain(ch))
}

func TestReadPathList(t *testing.T) {
	ch := make(chan []string, 10)
	batcher := &pathBatcher{size: 2, out: ch}
	require.NoError(t, readPathList(strings.NewReader("a.png\n\n  b.png \nc.png"), batcher))
	batcher.flush()
	assert.Equal(t, [][]string{{"a.png", "b.png"}, {"c.png"}}, drain(ch))
}

func TestReadInputsFolder(t *testing.T) {
	cfg = runConfig{BatchSize: 10}
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "a.png"))
	writeTestImage(t, filepath.Join(dir, "nested", "b.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o600))

	ch := make(chan []string, 10)
	require.NoError(t, readInputs(context.Background(), dir, ch))
	batches := drain(ch)
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "nested", "b.png")}, batches[0])
}

func TestReadInputsSingleFile(t *testing.T) {
	cfg = runConfig{BatchSize: 10}
	imagePath := filepath.Join(t.TempDir(), "single.png")
	writeTestImage(t, imagePath)

	ch := make(chan []string, 10)
	require.NoError(t, readInputs(context.Background(), imagePath, ch))
	assert.Equal(t, [][]string{{imagePath}}, drain(ch))
}

func TestReadInputsMissing(t *testing.T) {
	cfg = runConfig{BatchSize: 10}
	ch := make(chan []string, 10)
	err := readInputs(context.Background(), filepath.Join(t.TempDir(), "missing"), ch)
	require.Error(t, err)
	assert.Empty(t, drain(ch))
}

func TestWriteOutputs(t *testing.T) {
	processed := make(chan []byte, 10)
	errs := make(chan error, 10)
	var failed atomic.Int64
	var out bytes.Buffer
	var wg sync.WaitGroup

	processed <- []byte(`{"input":"a.png","output":"x"}`)
	processed <- []byte(`{"input":"b.png","output":"y"}`)
	errs <- errors.New("batch failed")
	close(processed)
	close(errs)

	wg.Add(1)
	writeOutputs(&wg, processed, errs, &out, zap.NewNop(), &failed)
	wg.Wait()

	assert.Equal(t, "{\"input\":\"a.png\",\"output\":\"x\"}\n{\"input\":\"b.png\",\"output\":\"y\"}\n", out.String())
	assert.Equal(t, int64(1), failed.Load())
}

func TestMergeFileConfig(t *testing.T) {
	cfg = runConfig{}
	configFile := filepath.Join(t.TempDir(), "pix2s.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("model: local/checkpoint\nbatchSize: 7\nmaxTime: 5s\nverbose: true\n"), 0o600))

	var merged runConfig
	app := &cli.App{
		Name: "pix2s",
		Commands: []*cli.Command{{
			Name:  "check",
			Flags: runCommand.Flags,
			Action: func(ctx *cli.Context) error {
				fileConfig, err := loadConfigFile(configPath)
				if err != nil {
					return err
				}
				cfg.mergeFileConfig(ctx, fileConfig)
				merged = cfg
				return nil
			},
		}},
	}
	require.NoError(t, app.Run([]string{"pix2s", "check", "--config", configFile, "--batchSize", "3"}))

	assert.Equal(t, "local/checkpoint", merged.Model)
	assert.Equal(t, 3, merged.BatchSize)
	assert.Equal(t, 5*time.Second, merged.MaxTime)
	assert.True(t, merged.Verbose)
	assert.Equal(t, 1024, merged.MaxNewTokens)
}

func TestLoadConfigFileInvalid(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("batchSize: [1, 2"), 0o600))
	_, err := loadConfigFile(configFile)
	require.Error(t, err)
}

func TestRunCliOfflineMissingModel(t *testing.T) {
	cfg = runConfig{}
	app := &cli.App{Name: "pix2s", Commands: []*cli.Command{runCommand}}
	err := app.Run([]string{"pix2s", "run",
		"--backend", "GO",
		"--model", "pix2s-test/does-not-exist",
		"--cacheDir", t.TempDir(),
		"--localFilesOnly",
		"--input", t.TempDir(),
	})
	var loadErr *pix2s.LoadError
	require.ErrorAs(t, err, &loadErr)
}

// TestRunCli needs a converted checkpoint: PIX2S_TEST_MODEL=/path/to/checkpoint.
func TestRunCli(t *testing.T) {
	modelPath := os.Getenv("PIX2S_TEST_MODEL")
	if modelPath == "" {
		t.Skip("PIX2S_TEST_MODEL is not set")
	}
	cfg = runConfig{}
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeTestImage(t, filepath.Join(inputDir, "table-0.png"))
	writeTestImage(t, filepath.Join(inputDir, "more", "table-1.png"))

	args := []string{"pix2s", "run",
		"--model", modelPath,
		"--input", inputDir,
		"--output", outputDir,
		"--maxNewTokens", "8",
		"--batchSize", "1",
	}
	if _, err := os.Stat(testOnnxRuntimeLibrary); testOnnxRuntimeLibrary != "" && err == nil {
		args = append(args, "--onnxruntimeSharedLibrary", testOnnxRuntimeLibrary)
	} else {
		args = append(args, "--backend", "GO")
	}
	app := &cli.App{Name: "pix2s", Commands: []*cli.Command{runCommand}}
	require.NoError(t, app.Run(args))

	results, err := os.ReadFile(filepath.Join(outputDir, "result-0.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(results)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var r result
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		assert.True(t, strings.HasSuffix(r.Input, ".png"))
	}
}
