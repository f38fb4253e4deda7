//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/pix2s/options"
)

type ortSession struct {
	session     *ort.DynamicAdvancedSession
	inputsMeta  []InputOutputInfo
	outputsMeta []InputOutputInfo
}

func newORTSession(onnxBytes []byte, outputNames []string, opts *options.Options) (Session, error) {
	sessionOptions, ok := opts.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return nil, errors.New("ORT session options have not been initialised")
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputsMeta := convertORTInputOutputs(inputs)
	outputsMeta := selectOutputs(convertORTInputOutputs(outputs), outputNames)

	inputNames := make([]string, len(inputsMeta))
	for i, v := range inputsMeta {
		inputNames[i] = v.Name
	}
	selectedOutputNames := make([]string, len(outputsMeta))
	for i, v := range outputsMeta {
		selectedOutputNames[i] = v.Name
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(onnxBytes, inputNames, selectedOutputNames, sessionOptions)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: session, inputsMeta: inputsMeta, outputsMeta: outputsMeta}, nil
}

func (s *ortSession) InputsMeta() []InputOutputInfo {
	return s.inputsMeta
}

func (s *ortSession) OutputsMeta() []InputOutputInfo {
	return s.outputsMeta
}

// Run creates one ORT tensor per graph input, in graph order, and copies the outputs back to Go memory.
func (s *ortSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	inputValues := make([]ort.Value, len(s.inputsMeta))
	destroyInputs := func() error {
		var agg error
		for _, v := range inputValues {
			if v != nil {
				agg = errors.Join(agg, v.Destroy())
			}
		}
		return agg
	}

	for i, meta := range s.inputsMeta {
		j := slices.IndexFunc(inputs, func(t NamedTensor) bool { return t.Name == meta.Name })
		if j < 0 {
			return nil, errors.Join(fmt.Errorf("missing input %s", meta.Name), destroyInputs())
		}
		value, err := createORTTensor(inputs[j])
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating tensor %s: %w", meta.Name, err), destroyInputs())
		}
		inputValues[i] = value
	}

	outputValues := make([]ort.Value, len(s.outputsMeta))
	runErr := s.session.Run(inputValues, outputValues)
	if runErr != nil {
		return nil, errors.Join(runErr, destroyInputs(), destroyORTValues(outputValues))
	}

	results := make([]NamedTensor, len(outputValues))
	var convertErr error
	for i, value := range outputValues {
		switch t := value.(type) {
		case *ort.Tensor[float32]:
			results[i] = NamedTensor{Name: s.outputsMeta[i].Name, Shape: Shape(t.GetShape()), Data: slices.Clone(t.GetData())}
		case *ort.Tensor[int64]:
			results[i] = NamedTensor{Name: s.outputsMeta[i].Name, Shape: Shape(t.GetShape()), Data: slices.Clone(t.GetData())}
		default:
			convertErr = errors.Join(convertErr, fmt.Errorf("output %s has unsupported type %T", s.outputsMeta[i].Name, value))
		}
	}
	return results, errors.Join(convertErr, destroyInputs(), destroyORTValues(outputValues))
}

func (s *ortSession) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func createORTTensor(t NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch data := t.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported tensor data %T", t.Data)
	}
}

func destroyORTValues(values []ort.Value) error {
	var agg error
	for _, v := range values {
		if v != nil {
			agg = errors.Join(agg, v.Destroy())
		}
	}
	return agg
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		dataType := ElementTypeUnknown
		switch inputOutput.DataType {
		case ort.TensorElementDataTypeFloat:
			dataType = ElementTypeFloat32
		case ort.TensorElementDataTypeInt64:
			dataType = ElementTypeInt64
		}
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
			DataType:   dataType,
		}
	}
	return inputOutputsStandardised
}
