package session

import (
	"fmt"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/onnxbackend/config"
)

// ORTEnvironment drives the native ONNX Runtime shared library. Only one
// environment can be active per process.
type ORTEnvironment struct{}

// NewORTEnvironment initialises the ONNX Runtime shared library. libraryPath
// may be empty to use the platform default lookup.
func NewORTEnvironment(libraryPath string) (*ORTEnvironment, error) {
	if ort.IsInitialized() {
		return nil, fmt.Errorf("another onnxruntime environment is currently active, and only one can be active at one time")
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}
	return &ORTEnvironment{}, nil
}

func (e *ORTEnvironment) Destroy() error {
	return ort.DestroyEnvironment()
}

func (e *ORTEnvironment) Supports(dt config.DataType) bool {
	_, err := ortDataType(dt)
	return err == nil
}

func (e *ORTEnvironment) NewSession(artifact string, cfg Config) (s Session, err error) {
	inputs, outputs, err := ort.GetInputOutputInfo(artifact)
	if err != nil {
		return nil, fmt.Errorf("reading model graph %s: %w", artifact, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	// The options prototype is only needed during session creation.
	defer func() {
		err = joinDestroy(err, options.Destroy)
		if err != nil {
			s = nil
		}
	}()

	if cfg.IntraOpThreads > 0 {
		if err = options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, err
		}
	}
	if cfg.InterOpThreads > 0 {
		if err = options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, err
		}
	}
	if cfg.CPUMemArena != nil {
		if err = options.SetCpuMemArena(*cfg.CPUMemArena); err != nil {
			return nil, err
		}
	}
	if cfg.MemPattern != nil {
		if err = options.SetMemPattern(*cfg.MemPattern); err != nil {
			return nil, err
		}
	}
	if cfg.GPUDevice != NoGPUDevice {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return nil, optErr
		}
		optErr = cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(cfg.GPUDevice)})
		if optErr == nil {
			optErr = options.AppendExecutionProviderCUDA(cudaOptions)
		}
		if destroyErr := cudaOptions.Destroy(); destroyErr != nil && optErr == nil {
			optErr = destroyErr
		}
		if optErr != nil {
			return nil, optErr
		}
	}

	inputMeta := convertORTInfo(inputs)
	outputMeta := convertORTInfo(outputs)
	advanced, err := ort.NewDynamicAdvancedSession(artifact, infoNames(inputMeta), infoNames(outputMeta), options)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: advanced, inputs: inputMeta, outputs: outputMeta}, nil
}

type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []TensorInfo
	outputs []TensorInfo
}

func (s *ortSession) Inputs() []TensorInfo  { return s.inputs }
func (s *ortSession) Outputs() []TensorInfo { return s.outputs }

func (s *ortSession) NewValue(dt config.DataType, shape []int64, data []byte) (Value, error) {
	elementType, err := ortDataType(dt)
	if err != nil {
		return nil, err
	}
	tensor, err := ort.NewCustomDataTensor(ort.NewShape(shape...), data, elementType)
	if err != nil {
		return nil, err
	}
	return &ortInputValue{tensor: tensor}, nil
}

// Run feeds the session every graph input by name and lets the runtime
// allocate every graph output, returning the requested subset in request
// order. Outputs the caller did not request are destroyed immediately.
func (s *ortSession) Run(inputs []NamedValue, outputNames []string) ([]Value, error) {
	byName := make(map[string]*ortInputValue, len(inputs))
	for _, input := range inputs {
		tensor, ok := input.Value.(*ortInputValue)
		if !ok {
			return nil, fmt.Errorf("input '%s' was not created by this session", input.Name)
		}
		byName[input.Name] = tensor
	}
	ordered := make([]ort.Value, len(s.inputs))
	for i, info := range s.inputs {
		tensor, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("model graph requires input '%s' which was not supplied", info.Name)
		}
		ordered[i] = tensor.tensor
	}

	computed := make([]ort.Value, len(s.outputs))
	if err := s.session.Run(ordered, computed); err != nil {
		return nil, err
	}

	requested := make(map[string]int, len(outputNames))
	for i, name := range outputNames {
		requested[name] = i
	}
	results := make([]Value, len(outputNames))
	var err error
	for i, info := range s.outputs {
		idx, wanted := requested[info.Name]
		// Once a wrap has failed, the remaining runtime tensors are only
		// destroyed; wanted or not, none of them can be delivered.
		if !wanted || err != nil {
			err = joinDestroy(err, computed[i].Destroy)
			continue
		}
		wrapped, wrapErr := wrapORTOutput(computed[i])
		if wrapErr != nil {
			err = joinDestroy(wrapErr, computed[i].Destroy)
			continue
		}
		results[idx] = wrapped
	}
	if err == nil {
		for i, name := range outputNames {
			if results[i] == nil {
				err = fmt.Errorf("output tensor '%s' not found", name)
				break
			}
		}
	}
	if err != nil {
		for _, result := range results {
			if result != nil {
				err = joinDestroy(err, result.Destroy)
			}
		}
		return nil, err
	}
	return results, nil
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}

// ortInputValue wraps a custom-data tensor over a buffer the execution
// context assembled.
type ortInputValue struct {
	tensor *ort.CustomDataTensor
}

func (v *ortInputValue) Bytes() []byte  { return v.tensor.GetData() }
func (v *ortInputValue) Shape() []int64 { return v.tensor.GetShape() }
func (v *ortInputValue) Destroy() error { return v.tensor.Destroy() }

// ortOutputValue holds a runtime-allocated output tensor together with its
// little-endian byte view. The native handle lives until Destroy.
type ortOutputValue struct {
	value ort.Value
	data  []byte
	shape []int64
}

func (v *ortOutputValue) Bytes() []byte  { return v.data }
func (v *ortOutputValue) Shape() []int64 { return v.shape }
func (v *ortOutputValue) Destroy() error { return v.value.Destroy() }

func wrapORTOutput(value ort.Value) (*ortOutputValue, error) {
	var data []byte
	var err error
	switch t := value.(type) {
	case *ort.Tensor[float32]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[float64]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[int8]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[uint8]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[int16]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[uint16]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[int32]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[uint32]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[int64]:
		data, err = rawBytes(t.GetData())
	case *ort.Tensor[uint64]:
		data, err = rawBytes(t.GetData())
	case *ort.CustomDataTensor:
		data = t.GetData()
	default:
		err = fmt.Errorf("unsupported output tensor type %T", value)
	}
	if err != nil {
		return nil, err
	}
	return &ortOutputValue{value: value, data: data, shape: value.GetShape()}, nil
}

func ortDataType(dt config.DataType) (ort.TensorElementDataType, error) {
	switch dt {
	case config.Bool:
		return ort.TensorElementDataTypeBool, nil
	case config.Uint8:
		return ort.TensorElementDataTypeUint8, nil
	case config.Uint16:
		return ort.TensorElementDataTypeUint16, nil
	case config.Uint32:
		return ort.TensorElementDataTypeUint32, nil
	case config.Uint64:
		return ort.TensorElementDataTypeUint64, nil
	case config.Int8:
		return ort.TensorElementDataTypeInt8, nil
	case config.Int16:
		return ort.TensorElementDataTypeInt16, nil
	case config.Int32:
		return ort.TensorElementDataTypeInt32, nil
	case config.Int64:
		return ort.TensorElementDataTypeInt64, nil
	case config.Fp16:
		return ort.TensorElementDataTypeFloat16, nil
	case config.Fp32:
		return ort.TensorElementDataTypeFloat, nil
	case config.Fp64:
		return ort.TensorElementDataTypeDouble, nil
	default:
		return ort.TensorElementDataTypeUndefined, fmt.Errorf("datatype %s is not representable in onnxruntime", dt)
	}
}

func convertORTInfo(info []ort.InputOutputInfo) []TensorInfo {
	converted := make([]TensorInfo, len(info))
	for i, io := range info {
		converted[i] = TensorInfo{Name: io.Name, Dimensions: io.Dimensions}
	}
	return converted
}

func infoNames(info []TensorInfo) []string {
	names := make([]string, len(info))
	for i, io := range info {
		names[i] = io.Name
	}
	return names
}

func joinDestroy(err error, destroy func() error) error {
	if destroyErr := destroy(); destroyErr != nil {
		if err == nil {
			return destroyErr
		}
		return fmt.Errorf("%w (also: %v)", err, destroyErr)
	}
	return err
}
