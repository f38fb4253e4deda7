package backends

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

type rawTokenizerFile struct {
	AddedTokens []struct {
		ID int `json:"id"`
	} `json:"added_tokens"`
	Model struct {
		Vocab jsoniter.RawMessage `json:"vocab"`
	} `json:"model"`
}

// TokenizerVocabSize counts the ids a tokenizer.json can emit: the model vocabulary (a token to id map for
// BPE and WordPiece, a list of (token, score) pairs for Unigram) plus the added tokens.
func TokenizerVocabSize(tokenizerBytes []byte) (int, error) {
	var raw rawTokenizerFile
	if err := json.Unmarshal(tokenizerBytes, &raw); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", TokenizerFile, err)
	}

	size := 0
	if len(raw.Model.Vocab) > 0 {
		switch raw.Model.Vocab[0] {
		case '{':
			var vocab map[string]int
			if err := json.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
				return 0, fmt.Errorf("parsing %s vocab: %w", TokenizerFile, err)
			}
			size = len(vocab)
			for _, id := range vocab {
				size = max(size, id+1)
			}
		case '[':
			var vocab []jsoniter.RawMessage
			if err := json.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
				return 0, fmt.Errorf("parsing %s vocab: %w", TokenizerFile, err)
			}
			size = len(vocab)
		}
	}
	for _, token := range raw.AddedTokens {
		size = max(size, token.ID+1)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%s declares an empty vocabulary", TokenizerFile)
	}
	return size, nil
}

// CheckVocabulary verifies that the model and the processor were loaded from the same checkpoint and that every
// id the tokenizer knows is an id the model can emit.
func CheckVocabulary(model Model, processor *Processor) error {
	if model == nil || processor == nil || processor.Tokenizer == nil {
		return errors.New("model and processor are required")
	}
	var errs []error
	if model.Checkpoint().Path != processor.Checkpoint.Path {
		errs = append(errs, fmt.Errorf("model loaded from %s but processor loaded from %s",
			model.Checkpoint().Path, processor.Checkpoint.Path))
	}
	modelVocab, tokenizerVocab := model.VocabSize(), processor.Tokenizer.VocabSize
	switch {
	case modelVocab <= 0:
		errs = append(errs, fmt.Errorf("model vocabulary size %d is not positive", modelVocab))
	case tokenizerVocab <= 0:
		errs = append(errs, fmt.Errorf("tokenizer vocabulary size %d is not positive", tokenizerVocab))
	case tokenizerVocab > modelVocab:
		errs = append(errs, fmt.Errorf("tokenizer vocabulary (%d) is larger than the model vocabulary (%d)", tokenizerVocab, modelVocab))
	}
	return errors.Join(errs...)
}
