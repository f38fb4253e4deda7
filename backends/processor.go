package backends

import (
	"errors"
	"image"
	"time"

	"github.com/knights-analytics/pix2s/options"
)

// Processor pairs the image processor and the tokenizer of one checkpoint.
type Processor struct {
	Checkpoint        Checkpoint
	ImageProcessor    *ImageProcessor
	Tokenizer         *Tokenizer
	preprocessTimings *timings
	decodeTimings     *timings
}

func LoadProcessor(checkpoint Checkpoint, opts *options.Options) (*Processor, error) {
	config, err := LoadImageProcessorConfig(checkpoint.Path)
	if err != nil {
		return nil, err
	}
	imageProcessor, err := NewImageProcessor(config)
	if err != nil {
		return nil, err
	}
	tk, err := LoadTokenizer(checkpoint.Path, opts)
	if err != nil {
		return nil, err
	}
	return &Processor{
		Checkpoint:        checkpoint,
		ImageProcessor:    imageProcessor,
		Tokenizer:         tk,
		preprocessTimings: &timings{},
		decodeTimings:     &timings{},
	}, nil
}

func (p *Processor) Preprocess(images []image.Image) (*PatchBatch, error) {
	start := time.Now()
	batch, err := p.ImageProcessor.Preprocess(images)
	if err != nil {
		return nil, err
	}
	p.preprocessTimings.record(start, 1)
	return batch, nil
}

func (p *Processor) BatchDecode(sequences [][]uint32, skipSpecialTokens bool) ([]string, error) {
	if p.Tokenizer == nil {
		return nil, errors.New("tokenizer has been destroyed")
	}
	start := time.Now()
	decoded, err := p.Tokenizer.BatchDecode(sequences, skipSpecialTokens)
	if err != nil {
		return nil, err
	}
	p.decodeTimings.record(start, 1)
	return decoded, nil
}

func (p *Processor) GetStats() []string {
	return []string{
		p.preprocessTimings.stat("Preprocessing"),
		p.decodeTimings.stat("Decoding"),
	}
}

// Destroy releases the tokenizer. Calling it again is a no-op.
func (p *Processor) Destroy() error {
	if p.Tokenizer == nil {
		return nil
	}
	err := p.Tokenizer.Destroy()
	p.Tokenizer = nil
	return err
}
