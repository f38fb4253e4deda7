package backends

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/pix2s/options"
	"github.com/knights-analytics/pix2s/util/safeconv"
)

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NumElements returns the product of the dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

// ElementType is the element type of a graph input or output.
type ElementType int

const (
	ElementTypeUnknown ElementType = iota
	ElementTypeFloat32
	ElementTypeInt64
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic axes are negative.
	Dimensions Shape
	DataType   ElementType
}

// NamedTensor is a backend-neutral tensor. Data is a []float32 or []int64 laid out row-major in Shape order.
type NamedTensor struct {
	Name  string
	Shape Shape
	Data  any
}

// Session runs one ONNX graph. Implementations create backend tensors from the inputs,
// run the graph and copy the outputs back to host memory.
type Session interface {
	Run(inputs []NamedTensor) ([]NamedTensor, error)
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	Destroy() error
}

// NewSession creates a session for the backend selected in opts. outputNames restricts
// the outputs that are fetched; all graph outputs are fetched when it is empty.
func NewSession(onnxBytes []byte, outputNames []string, opts *options.Options) (Session, error) {
	switch opts.Backend {
	case "ORT":
		return newORTSession(onnxBytes, outputNames, opts)
	case "GO":
		return newGoSession(onnxBytes, outputNames)
	default:
		return nil, fmt.Errorf("backend %s not recognized", opts.Backend)
	}
}

func findInfo(infos []InputOutputInfo, name string) (InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return InputOutputInfo{}, false
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(start time.Time, calls uint64) {
	atomic.AddUint64(&t.NumCalls, calls)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *timings) stat(name string) string {
	numCalls := atomic.LoadUint64(&t.NumCalls)
	totalNS := atomic.LoadUint64(&t.TotalNS)
	return fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
		name,
		safeconv.U64ToDuration(totalNS),
		numCalls,
		time.Duration(float64(totalNS)/math.Max(1, float64(numCalls))))
}

// selectOutputs keeps the requested outputs the graph declares. All outputs are kept when none of them match.
func selectOutputs(outputs []InputOutputInfo, names []string) []InputOutputInfo {
	var selected []InputOutputInfo
	for _, name := range names {
		if info, ok := findInfo(outputs, name); ok {
			selected = append(selected, info)
		}
	}
	if len(selected) == 0 {
		return outputs
	}
	return selected
}
