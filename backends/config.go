package backends

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/pix2s/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ConfigFile             = "config.json"
	GenerationConfigFile   = "generation_config.json"
	PreprocessorConfigFile = "preprocessor_config.json"
	TokenizerFile          = "tokenizer.json"
)

// ModelConfig holds the decoding parameters of a checkpoint.
type ModelConfig struct {
	EosTokenIDs         map[int64]bool
	VocabSize           int
	DecoderStartTokenID int64
	PadTokenID          int64
}

type rawTokenConfig struct {
	VocabSize           *int   `json:"vocab_size"`
	DecoderStartTokenID *int64 `json:"decoder_start_token_id"`
	PadTokenID          *int64 `json:"pad_token_id"`
	EosTokenID          any    `json:"eos_token_id"`
}

type rawModelConfig struct {
	rawTokenConfig
	TextConfig *rawTokenConfig `json:"text_config"`
}

// LoadModelConfig reads config.json and, when present, generation_config.json from the checkpoint.
// Values of the nested text_config are used where the top level does not set them, and
// generation_config.json takes precedence over both.
func LoadModelConfig(checkpointPath string) (ModelConfig, error) {
	configBytes, err := readCheckpointFile(checkpointPath, ConfigFile)
	if err != nil {
		return ModelConfig{}, err
	}
	var raw rawModelConfig
	if err = json.Unmarshal(configBytes, &raw); err != nil {
		return ModelConfig{}, fmt.Errorf("parsing %s: %w", ConfigFile, err)
	}

	config := ModelConfig{EosTokenIDs: map[int64]bool{}}
	if raw.TextConfig != nil {
		config.apply(*raw.TextConfig)
	}
	config.apply(raw.rawTokenConfig)
	if raw.TextConfig != nil && raw.TextConfig.VocabSize != nil {
		config.VocabSize = *raw.TextConfig.VocabSize
	}

	exists, err := fileutil.FileExists(fileutil.PathJoinSafe(checkpointPath, GenerationConfigFile))
	if err != nil {
		return ModelConfig{}, err
	}
	if exists {
		generationBytes, readErr := readCheckpointFile(checkpointPath, GenerationConfigFile)
		if readErr != nil {
			return ModelConfig{}, readErr
		}
		var generation rawTokenConfig
		if err = json.Unmarshal(generationBytes, &generation); err != nil {
			return ModelConfig{}, fmt.Errorf("parsing %s: %w", GenerationConfigFile, err)
		}
		generation.VocabSize = nil
		config.apply(generation)
	}

	if config.VocabSize <= 0 {
		return ModelConfig{}, fmt.Errorf("%s does not declare a positive vocab_size", ConfigFile)
	}
	return config, nil
}

func (c *ModelConfig) apply(raw rawTokenConfig) {
	if raw.VocabSize != nil {
		c.VocabSize = *raw.VocabSize
	}
	if raw.DecoderStartTokenID != nil {
		c.DecoderStartTokenID = *raw.DecoderStartTokenID
	}
	if raw.PadTokenID != nil {
		c.PadTokenID = *raw.PadTokenID
	}
	if raw.EosTokenID != nil {
		eos := parseTokenIDs(raw.EosTokenID)
		if len(eos) > 0 {
			c.EosTokenIDs = eos
		}
	}
}

// eos_token_id is either a single id or a list of ids.
func parseTokenIDs(raw any) map[int64]bool {
	ids := map[int64]bool{}
	switch v := raw.(type) {
	case float64:
		ids[int64(v)] = true
	case []any:
		for _, item := range v {
			if num, ok := item.(float64); ok {
				ids[int64(num)] = true
			}
		}
	}
	return ids
}

type PatchSize struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// ImageProcessorConfig mirrors preprocessor_config.json of a Pix2Struct checkpoint.
type ImageProcessorConfig struct {
	DoNormalize  *bool     `json:"do_normalize"`
	DoConvertRGB *bool     `json:"do_convert_rgb"`
	PatchSize    PatchSize `json:"patch_size"`
	MaxPatches   int       `json:"max_patches"`
	IsVQA        bool      `json:"is_vqa"`
}

const DefaultMaxPatches = 2048

// LoadImageProcessorConfig reads preprocessor_config.json and fills in the Pix2Struct defaults.
func LoadImageProcessorConfig(checkpointPath string) (ImageProcessorConfig, error) {
	configBytes, err := readCheckpointFile(checkpointPath, PreprocessorConfigFile)
	if err != nil {
		return ImageProcessorConfig{}, err
	}
	var config ImageProcessorConfig
	if err = json.Unmarshal(configBytes, &config); err != nil {
		return ImageProcessorConfig{}, fmt.Errorf("parsing %s: %w", PreprocessorConfigFile, err)
	}
	if config.PatchSize.Height == 0 && config.PatchSize.Width == 0 {
		config.PatchSize = PatchSize{Height: 16, Width: 16}
	}
	if config.MaxPatches == 0 {
		config.MaxPatches = DefaultMaxPatches
	}
	if config.DoNormalize == nil {
		doNormalize := true
		config.DoNormalize = &doNormalize
	}
	if config.DoConvertRGB == nil {
		doConvert := true
		config.DoConvertRGB = &doConvert
	}
	return config, config.validate()
}

func (c ImageProcessorConfig) validate() error {
	var errs []error
	if c.PatchSize.Height <= 0 || c.PatchSize.Width <= 0 {
		errs = append(errs, fmt.Errorf("invalid patch size %dx%d", c.PatchSize.Height, c.PatchSize.Width))
	}
	if c.MaxPatches <= 0 {
		errs = append(errs, fmt.Errorf("invalid max_patches %d", c.MaxPatches))
	}
	if c.IsVQA {
		errs = append(errs, errors.New("VQA checkpoints render a question header into the image, which is not supported"))
	}
	return errors.Join(errs...)
}

func readCheckpointFile(checkpointPath string, name string) ([]byte, error) {
	filePath := fileutil.PathJoinSafe(checkpointPath, name)
	exists, err := fileutil.FileExists(filePath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of %s: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s not found at %s", name, checkpointPath)
	}
	return fileutil.ReadFileBytes(filePath)
}
