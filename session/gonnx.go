package session

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/util/fileutil"
)

// GoEnvironment runs models on the pure-Go gonnx runtime. It needs no shared
// library and no accelerator, which makes it the default for CPU-only
// deployments and for the command line tool.
type GoEnvironment struct{}

func NewGoEnvironment() *GoEnvironment {
	return &GoEnvironment{}
}

func (e *GoEnvironment) Destroy() error {
	return nil
}

func (e *GoEnvironment) Supports(dt config.DataType) bool {
	switch dt {
	case config.Fp16, config.String, config.Invalid:
		return false
	default:
		return true
	}
}

func (e *GoEnvironment) NewSession(artifact string, cfg Config) (Session, error) {
	if cfg.GPUDevice != NoGPUDevice {
		return nil, fmt.Errorf("the go runtime cannot bind gpu device %d, only cpu execution is supported", cfg.GPUDevice)
	}
	onnxBytes, err := fileutil.ReadFileBytes(artifact)
	if err != nil {
		return nil, err
	}
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	s := &goSession{model: model}
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		s.inputs = append(s.inputs, TensorInfo{Name: name, Dimensions: goDimensions(inputShapes[name])})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		s.outputs = append(s.outputs, TensorInfo{Name: name, Dimensions: goDimensions(outputShapes[name])})
	}
	return s, nil
}

func goDimensions(shape onnx.Shape) []int64 {
	dimensions := make([]int64, len(shape))
	for i, dim := range shape {
		dimensions[i] = dim.Size
	}
	return dimensions
}

type goSession struct {
	model   *gonnx.Model
	inputs  []TensorInfo
	outputs []TensorInfo
}

func (s *goSession) Inputs() []TensorInfo  { return s.inputs }
func (s *goSession) Outputs() []TensorInfo { return s.outputs }

func (s *goSession) NewValue(dt config.DataType, shape []int64, data []byte) (Value, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("datatype %s is not representable in the go runtime", dt)
	}
	return &hostValue{dataType: dt, shape: shape, data: data}, nil
}

func (s *goSession) Run(inputs []NamedValue, outputNames []string) ([]Value, error) {
	modelInputs := gonnx.Tensors{}
	for _, input := range inputs {
		value, ok := input.Value.(*hostValue)
		if !ok {
			return nil, fmt.Errorf("input '%s' was not created by this session", input.Name)
		}
		backing, err := typedBacking(value.dataType, value.data)
		if err != nil {
			return nil, fmt.Errorf("input '%s': %w", input.Name, err)
		}
		shape := make([]int, len(value.shape))
		for i, dim := range value.shape {
			shape[i] = int(dim)
		}
		modelInputs[input.Name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	}

	computed, err := s.model.Run(modelInputs)
	if err != nil {
		return nil, err
	}

	results := make([]Value, len(outputNames))
	for i, name := range outputNames {
		output, ok := computed[name]
		if !ok {
			return nil, fmt.Errorf("output tensor '%s' not found", name)
		}
		data, rawErr := rawBytes(output.Data())
		if rawErr != nil {
			return nil, fmt.Errorf("output '%s': %w", name, rawErr)
		}
		outputShape := output.Shape()
		shape := make([]int64, len(outputShape))
		for j, dim := range outputShape {
			shape[j] = int64(dim)
		}
		results[i] = &hostValue{shape: shape, data: data}
	}
	return results, nil
}

func (s *goSession) Destroy() error {
	s.model = nil
	return nil
}
