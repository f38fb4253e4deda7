package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s"
	"github.com/knights-analytics/pix2s/util/fileutil"
)

// download the onnx checkpoints used by the model-backed tests into ./models.
// PIX2S_TEST_CHECKPOINTS is a comma separated list of Hugging Face repositories holding an onnx export
// (encoder_model.onnx and decoder_model.onnx next to the configuration and tokenizer files).
func main() {
	checkpoints := strings.Split(os.Getenv("PIX2S_TEST_CHECKPOINTS"), ",")
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	if err = fileutil.CreateDir("./models"); err != nil {
		panic(err)
	}
	for _, checkpoint := range checkpoints {
		checkpoint = strings.TrimSpace(checkpoint)
		if checkpoint == "" {
			continue
		}
		exists, existsErr := fileutil.FileExists(fileutil.PathJoinSafe("./models", strings.ReplaceAll(checkpoint, "/", "_")))
		if existsErr != nil {
			panic(existsErr)
		}
		if exists {
			continue
		}
		options := pix2s.NewDownloadOptions()
		options.Logger = logger
		options.AuthToken = os.Getenv("HF_TOKEN")
		outPath, dlErr := pix2s.DownloadModel(context.Background(), checkpoint, "./models", options)
		if dlErr != nil {
			panic(dlErr)
		}
		fmt.Printf("Downloaded %s to %s\n", checkpoint, outPath)
	}
}
