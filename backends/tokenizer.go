package backends

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/pix2s/options"
)

type Tokenizer struct {
	RustTokenizer *RustTokenizer
	GoTokenizer   *GoTokenizer
	Destroy       func() error
	Runtime       string
	// VocabSize counts the ids tokenizer.json can produce, added tokens included.
	VocabSize int
}

// LoadTokenizer loads tokenizer.json from the checkpoint with the tokenizer runtime matching the backend:
// the Rust tokenizers bindings for ORT, the pure Go tokenizer otherwise.
func LoadTokenizer(checkpointPath string, opts *options.Options) (*Tokenizer, error) {
	tokenizerBytes, err := readCheckpointFile(checkpointPath, TokenizerFile)
	if err != nil {
		return nil, err
	}
	vocabSize, err := TokenizerVocabSize(tokenizerBytes)
	if err != nil {
		return nil, err
	}

	var tk *Tokenizer
	switch opts.Backend {
	case "ORT":
		tk, err = loadRustTokenizer(tokenizerBytes)
	case "GO":
		tk, err = loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", TokenizerFile, err)
	}
	tk.VocabSize = vocabSize
	return tk, nil
}

// Decode converts token ids back to text, dropping special tokens when skipSpecialTokens is set.
func (t *Tokenizer) Decode(tokens []uint32, skipSpecialTokens bool) (string, error) {
	switch t.Runtime {
	case "RUST":
		return decodeRust(tokens, t, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, t, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}

// BatchDecode decodes every sequence, preserving order.
func (t *Tokenizer) BatchDecode(sequences [][]uint32, skipSpecialTokens bool) ([]string, error) {
	decoded := make([]string, len(sequences))
	var errs []error
	for i, sequence := range sequences {
		text, err := t.Decode(sequence, skipSpecialTokens)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decoded[i] = text
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return decoded, nil
}
