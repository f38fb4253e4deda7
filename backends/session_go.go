package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// goSession runs a graph with the pure Go gonnx interpreter.
type goSession struct {
	model       *gonnx.Model
	inputsMeta  []InputOutputInfo
	outputsMeta []InputOutputInfo
}

func newGoSession(onnxBytes []byte, outputNames []string) (Session, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &goSession{model: model, inputsMeta: inputs, outputsMeta: selectOutputs(outputs, outputNames)}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func (s *goSession) InputsMeta() []InputOutputInfo {
	return s.inputsMeta
}

func (s *goSession) OutputsMeta() []InputOutputInfo {
	return s.outputsMeta
}

func (s *goSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.model == nil {
		return nil, errors.New("session has been destroyed")
	}
	inputMap := make(map[string]tensor.Tensor, len(inputs))
	for _, input := range inputs {
		t, err := createGoTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating tensor %s: %w", input.Name, err)
		}
		inputMap[input.Name] = t
	}

	outputMap, err := s.model.Run(inputMap)
	if err != nil {
		return nil, err
	}

	results := make([]NamedTensor, 0, len(s.outputsMeta))
	for _, meta := range s.outputsMeta {
		t, ok := outputMap[meta.Name]
		if !ok {
			return nil, fmt.Errorf("output %s missing from results", meta.Name)
		}
		result, convertErr := convertGoTensor(meta.Name, t)
		if convertErr != nil {
			return nil, convertErr
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *goSession) Destroy() error {
	s.model = nil
	return nil
}

func createGoTensor(t NamedTensor) (tensor.Tensor, error) {
	shape := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int(d)
	}
	switch data := t.Data.(type) {
	case []float32:
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(data)), nil
	case []int64:
		return tensor.New(tensor.Of(tensor.Int64), tensor.WithShape(shape...), tensor.WithBacking(data)), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data %T", t.Data)
	}
}

func convertGoTensor(name string, t tensor.Tensor) (NamedTensor, error) {
	shape := make(Shape, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), data...)}, nil
	case []int64:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), data...)}, nil
	default:
		return NamedTensor{}, fmt.Errorf("output %s has unsupported data %T", name, data)
	}
}
