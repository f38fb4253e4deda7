package backends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/safeconv"
)

// Vision2SeqModel runs a Pix2Struct encoder graph once per batch and its decoder graph once per generated token.
// The decoder is re-run over the whole prefix at every step, so graphs exported without past key values are expected.
type Vision2SeqModel struct {
	checkpoint     Checkpoint
	config         ModelConfig
	encoder        Session
	decoder        Session
	decoderInputs  decoderInputNames
	logger         *zap.Logger
	encoderTimings *timings
	decoderTimings *timings
}

// decoderInputNames maps roles to the input names of the exported decoder graph. Empty optional names are not fed.
type decoderInputNames struct {
	inputIDs             string
	encoderHiddenStates  string
	encoderAttentionMask string
	decoderAttentionMask string
}

func newVision2SeqModel(checkpoint Checkpoint, config ModelConfig, encoder, decoder Session, opts *options.Options) (*Vision2SeqModel, error) {
	if err := checkEncoderInputs(encoder.InputsMeta()); err != nil {
		return nil, err
	}
	names, err := resolveDecoderInputs(decoder.InputsMeta())
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vision2SeqModel{
		checkpoint:     checkpoint,
		config:         config,
		encoder:        encoder,
		decoder:        decoder,
		decoderInputs:  names,
		logger:         logger,
		encoderTimings: &timings{},
		decoderTimings: &timings{},
	}, nil
}

func checkEncoderInputs(inputs []InputOutputInfo) error {
	var errs []error
	for _, input := range inputs {
		switch input.Name {
		case "flattened_patches", "attention_mask":
		default:
			errs = append(errs, fmt.Errorf("encoder input %s not recognized", input.Name))
		}
	}
	if _, ok := findInfo(inputs, "flattened_patches"); !ok {
		errs = append(errs, errors.New("encoder has no flattened_patches input"))
	}
	return errors.Join(errs...)
}

func resolveDecoderInputs(inputs []InputOutputInfo) (decoderInputNames, error) {
	var names decoderInputNames
	var errs []error
	for _, input := range inputs {
		switch input.Name {
		case "input_ids", "decoder_input_ids":
			names.inputIDs = input.Name
		case "encoder_hidden_states", "encoder_outputs":
			names.encoderHiddenStates = input.Name
		case "encoder_attention_mask", "attention_mask":
			names.encoderAttentionMask = input.Name
		case "decoder_attention_mask":
			names.decoderAttentionMask = input.Name
		default:
			if strings.HasPrefix(input.Name, "past_key_values") || input.Name == "use_cache_branch" {
				errs = append(errs, fmt.Errorf("decoder input %s requires a key value cache; export the decoder without past key values", input.Name))
			} else {
				errs = append(errs, fmt.Errorf("decoder input %s not recognized", input.Name))
			}
		}
	}
	if names.inputIDs == "" {
		errs = append(errs, errors.New("decoder has no input_ids input"))
	}
	if names.encoderHiddenStates == "" {
		errs = append(errs, errors.New("decoder has no encoder_hidden_states input"))
	}
	return names, errors.Join(errs...)
}

func (m *Vision2SeqModel) Checkpoint() Checkpoint {
	return m.checkpoint
}

func (m *Vision2SeqModel) Config() ModelConfig {
	return m.config
}

func (m *Vision2SeqModel) VocabSize() int {
	return m.config.VocabSize
}

func (m *Vision2SeqModel) GetStats() []string {
	return []string{
		m.encoderTimings.stat("Encoder"),
		m.decoderTimings.stat("Decoder"),
	}
}

// Generate encodes the batch and decodes greedily. Each row stops at its first EOS token and is then padded;
// the call stops when every row has finished, after MaxNewTokens steps, or once MaxTime has elapsed
// (checked after each step, so at least one token is generated). A cancelled ctx aborts with its error.
func (m *Vision2SeqModel) Generate(ctx context.Context, batch *PatchBatch, config GenerationConfig) ([][]uint32, error) {
	if m.encoder == nil || m.decoder == nil {
		return nil, ErrModelDestroyed
	}
	if err := validatePatchBatch(batch); err != nil {
		return nil, err
	}
	if config.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max new tokens must be positive, got %d", config.MaxNewTokens)
	}
	start := time.Now()

	hiddenStates, err := m.encode(batch)
	if err != nil {
		return nil, err
	}
	encoderMask := m.decoderMaskTensor(m.decoderInputs.encoderAttentionMask, batch.AttentionMask, Shape{int64(batch.Size), int64(batch.MaxPatches)})

	startToken := safeconv.Int64ToUint32(m.config.DecoderStartTokenID)
	padToken := safeconv.Int64ToUint32(m.config.PadTokenID)
	sequences := make([][]uint32, batch.Size)
	for i := range sequences {
		sequences[i] = append(make([]uint32, 0, config.MaxNewTokens+1), startToken)
	}
	finished := make([]bool, batch.Size)
	finishedCount := 0
	stopReason := "max new tokens"

	for step := 0; step < config.MaxNewTokens; step++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		logits, vocabSize, stepErr := m.decodeStep(sequences, hiddenStates, encoderMask)
		if stepErr != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, stepErr)
		}
		for i := range sequences {
			if finished[i] {
				sequences[i] = append(sequences[i], padToken)
				continue
			}
			banned := BannedNGramTokens(sequences[i], config.NoRepeatNGramSize)
			token := greedyToken(logits[i*vocabSize:(i+1)*vocabSize], banned)
			sequences[i] = append(sequences[i], token)
			if m.config.EosTokenIDs[int64(token)] {
				finished[i] = true
				finishedCount++
			}
		}
		if finishedCount == batch.Size {
			stopReason = "eos"
			break
		}
		if config.MaxTime > 0 && time.Since(start) >= config.MaxTime {
			stopReason = "max time"
			break
		}
	}

	m.logger.Debug("generation finished",
		zap.String("stopReason", stopReason),
		zap.Int("batchSize", batch.Size),
		zap.Int("steps", len(sequences[0])-1),
		zap.Duration("elapsed", time.Since(start)))

	generated := make([][]uint32, batch.Size)
	for i, sequence := range sequences {
		generated[i] = sequence[1:]
	}
	return generated, nil
}

func validatePatchBatch(batch *PatchBatch) error {
	if batch == nil || batch.Size <= 0 {
		return errors.New("empty patch batch")
	}
	if len(batch.FlattenedPatches) != batch.Size*batch.MaxPatches*batch.Depth {
		return fmt.Errorf("flattened patches have %d values, expected %d", len(batch.FlattenedPatches), batch.Size*batch.MaxPatches*batch.Depth)
	}
	if len(batch.AttentionMask) != batch.Size*batch.MaxPatches {
		return fmt.Errorf("attention mask has %d values, expected %d", len(batch.AttentionMask), batch.Size*batch.MaxPatches)
	}
	return nil
}

// encode runs the encoder and returns its last hidden state as a decoder input.
func (m *Vision2SeqModel) encode(batch *PatchBatch) (NamedTensor, error) {
	start := time.Now()
	maskShape := Shape{int64(batch.Size), int64(batch.MaxPatches)}
	var inputs []NamedTensor
	for _, meta := range m.encoder.InputsMeta() {
		switch meta.Name {
		case "flattened_patches":
			inputs = append(inputs, NamedTensor{
				Name:  meta.Name,
				Shape: Shape{int64(batch.Size), int64(batch.MaxPatches), int64(batch.Depth)},
				Data:  batch.FlattenedPatches,
			})
		case "attention_mask":
			inputs = append(inputs, maskTensor(meta, batch.AttentionMask, maskShape))
		}
	}
	outputs, err := m.encoder.Run(inputs)
	if err != nil {
		return NamedTensor{}, fmt.Errorf("running encoder: %w", err)
	}
	m.encoderTimings.record(start, 1)

	hidden, ok := pickOutput(outputs, "last_hidden_state")
	if !ok {
		return NamedTensor{}, errors.New("encoder returned no output")
	}
	if len(hidden.Shape) != 3 || hidden.Shape[0] != int64(batch.Size) {
		return NamedTensor{}, fmt.Errorf("unexpected encoder output shape %s", hidden.Shape)
	}
	if _, isFloat := hidden.Data.([]float32); !isFloat {
		return NamedTensor{}, fmt.Errorf("encoder output is %T, expected []float32", hidden.Data)
	}
	hidden.Name = m.decoderInputs.encoderHiddenStates
	return hidden, nil
}

func (m *Vision2SeqModel) decoderMaskTensor(name string, mask []float32, shape Shape) *NamedTensor {
	if name == "" {
		return nil
	}
	meta, _ := findInfo(m.decoder.InputsMeta(), name)
	tensor := maskTensor(meta, mask, shape)
	return &tensor
}

// decodeStep runs the decoder over the current prefixes and returns the last-position logits, [batch, vocab].
func (m *Vision2SeqModel) decodeStep(sequences [][]uint32, hiddenStates NamedTensor, encoderMask *NamedTensor) ([]float32, int, error) {
	start := time.Now()
	batchSize, seqLen := len(sequences), len(sequences[0])
	inputIDs := make([]int64, 0, batchSize*seqLen)
	for _, sequence := range sequences {
		inputIDs = append(inputIDs, safeconv.Uint32SliceToInt64Slice(sequence)...)
	}
	idsShape := Shape{int64(batchSize), int64(seqLen)}
	inputs := []NamedTensor{
		{Name: m.decoderInputs.inputIDs, Shape: idsShape, Data: inputIDs},
		hiddenStates,
	}
	if encoderMask != nil {
		inputs = append(inputs, *encoderMask)
	}
	if m.decoderInputs.decoderAttentionMask != "" {
		ones := make([]float32, batchSize*seqLen)
		for i := range ones {
			ones[i] = 1
		}
		inputs = append(inputs, *m.decoderMaskTensor(m.decoderInputs.decoderAttentionMask, ones, idsShape))
	}

	outputs, err := m.decoder.Run(inputs)
	if err != nil {
		return nil, 0, err
	}
	m.decoderTimings.record(start, 1)

	logitsTensor, ok := pickOutput(outputs, "logits")
	if !ok {
		return nil, 0, errors.New("decoder returned no output")
	}
	logits, ok := logitsTensor.Data.([]float32)
	if !ok {
		return nil, 0, fmt.Errorf("decoder logits are %T, expected []float32", logitsTensor.Data)
	}
	shape := logitsTensor.Shape
	if len(shape) != 3 || shape[0] != int64(batchSize) || shape[1] != int64(seqLen) {
		return nil, 0, fmt.Errorf("unexpected logits shape %s for %d sequences of length %d", shape, batchSize, seqLen)
	}
	vocabSize := int(shape[2])
	last := make([]float32, 0, batchSize*vocabSize)
	for i := range batchSize {
		offset := (i*seqLen + seqLen - 1) * vocabSize
		last = append(last, logits[offset:offset+vocabSize]...)
	}
	return last, vocabSize, nil
}

// maskTensor converts a float mask to the element type the graph declares for it. Unknown types get int64.
func maskTensor(meta InputOutputInfo, mask []float32, shape Shape) NamedTensor {
	if meta.DataType == ElementTypeFloat32 {
		return NamedTensor{Name: meta.Name, Shape: shape, Data: mask}
	}
	converted := make([]int64, len(mask))
	for i, v := range mask {
		if v != 0 {
			converted[i] = 1
		}
	}
	return NamedTensor{Name: meta.Name, Shape: shape, Data: converted}
}

func pickOutput(outputs []NamedTensor, name string) (NamedTensor, bool) {
	if i := slices.IndexFunc(outputs, func(t NamedTensor) bool { return t.Name == name }); i >= 0 {
		return outputs[i], true
	}
	if len(outputs) > 0 {
		return outputs[0], true
	}
	return NamedTensor{}, false
}

// Destroy releases both sessions. Calling it again is a no-op.
func (m *Vision2SeqModel) Destroy() error {
	var errs []error
	if m.encoder != nil {
		errs = append(errs, m.encoder.Destroy())
		m.encoder = nil
	}
	if m.decoder != nil {
		errs = append(errs, m.decoder.Destroy())
		m.decoder = nil
	}
	return errors.Join(errs...)
}
