package config

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/onnxbackend/util/fileutil"
)

// PlatformONNX is the platform identifier a model configuration must declare
// to be served by this backend.
const PlatformONNX = "onnxruntime_onnx"

// DataType is the element type of an input or output tensor.
type DataType int

const (
	Invalid DataType = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Fp16
	Fp32
	Fp64
	String
)

var dataTypeNames = map[DataType]string{
	Invalid: "INVALID",
	Bool:    "BOOL",
	Uint8:   "UINT8",
	Uint16:  "UINT16",
	Uint32:  "UINT32",
	Uint64:  "UINT64",
	Int8:    "INT8",
	Int16:   "INT16",
	Int32:   "INT32",
	Int64:   "INT64",
	Fp16:    "FP16",
	Fp32:    "FP32",
	Fp64:    "FP64",
	String:  "STRING",
}

var dataTypeSizes = map[DataType]int{
	Bool:   1,
	Uint8:  1,
	Uint16: 2,
	Uint32: 4,
	Uint64: 8,
	Int8:   1,
	Int16:  2,
	Int32:  4,
	Int64:  8,
	Fp16:   2,
	Fp32:   4,
	Fp64:   8,
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return "INVALID"
}

// Size returns the number of bytes of one element, or 0 for types without a
// fixed element size (STRING) and for invalid types.
func (d DataType) Size() int {
	return dataTypeSizes[d]
}

// DataTypeFromString accepts both the bare name ("FP32") and the prefixed
// form used in model configuration files ("TYPE_FP32").
func DataTypeFromString(name string) DataType {
	name = strings.TrimPrefix(strings.ToUpper(name), "TYPE_")
	for dt, dtName := range dataTypeNames {
		if dtName == name {
			return dt
		}
	}
	return Invalid
}

func (d DataType) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal("TYPE_" + d.String())
}

func (d *DataType) UnmarshalJSON(data []byte) error {
	var name string
	if err := jsoniter.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed := DataTypeFromString(name)
	if parsed == Invalid {
		return fmt.Errorf("unknown datatype %q", name)
	}
	*d = parsed
	return nil
}

// ModelTensor describes one configured input or output: element datatype and
// the per-request dimensions, without the batch dimension. A dimension of -1
// means the size is only known at execution time.
type ModelTensor struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
	Dims     []int64  `json:"dims"`
}

// ElementCount returns the number of elements of one batch item, or 0 if any
// dimension is dynamic.
func (t *ModelTensor) ElementCount() int64 {
	count := int64(1)
	for _, dim := range t.Dims {
		if dim < 0 {
			return 0
		}
		count *= dim
	}
	return count
}

// ByteSize returns the byte size of one batch item, or 0 if the shape is
// dynamic or the datatype has no fixed size.
func (t *ModelTensor) ByteSize() int {
	return int(t.ElementCount()) * t.DataType.Size()
}

type InstanceKind int

const (
	KindCPU InstanceKind = iota
	KindGPU
)

func (k InstanceKind) String() string {
	if k == KindGPU {
		return "KIND_GPU"
	}
	return "KIND_CPU"
}

func (k *InstanceKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := jsoniter.Unmarshal(data, &name); err != nil {
		return err
	}
	switch strings.ToUpper(name) {
	case "KIND_CPU", "CPU":
		*k = KindCPU
	case "KIND_GPU", "GPU":
		*k = KindGPU
	default:
		return fmt.Errorf("unknown instance kind %q", name)
	}
	return nil
}

func (k InstanceKind) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(k.String())
}

// InstanceGroup configures a set of model replicas bound to one device kind.
type InstanceGroup struct {
	Name  string       `json:"name"`
	Kind  InstanceKind `json:"kind"`
	Count int          `json:"count"`
	GPUs  []int        `json:"gpus"`
}

// ModelConfig is the model descriptor consumed by the backend. It mirrors the
// config.json layout of a model repository entry.
type ModelConfig struct {
	Name                 string            `json:"name"`
	Platform             string            `json:"platform"`
	MaxBatchSize         int               `json:"max_batch_size"`
	Inputs               []ModelTensor     `json:"input"`
	Outputs              []ModelTensor     `json:"output"`
	InstanceGroups       []InstanceGroup   `json:"instance_group"`
	DefaultModelFilename string            `json:"default_model_filename"`
	CCModelFilenames     map[string]string `json:"cc_model_filenames"`
}

// Load reads and parses a model configuration file. Validation is separate so
// that callers can construct configurations programmatically as well.
func Load(path string) (*ModelConfig, error) {
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading model configuration %s: %w", path, err)
	}
	cfg := &ModelConfig{}
	if err := jsoniter.Unmarshal(configBytes, cfg); err != nil {
		return nil, fmt.Errorf("parsing model configuration %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for the given platform. Any violation is
// fatal: a backend must refuse to initialise on an invalid configuration.
func (c *ModelConfig) Validate(platform string) error {
	if c.Name == "" {
		return fmt.Errorf("model configuration must specify a name")
	}
	if c.Platform != platform {
		return fmt.Errorf("model '%s' has platform '%s', expected '%s'", c.Name, c.Platform, platform)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("model '%s' has negative max_batch_size %d", c.Name, c.MaxBatchSize)
	}
	if len(c.Inputs) == 0 {
		return fmt.Errorf("model '%s' must specify at least one input", c.Name)
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("model '%s' must specify at least one output", c.Name)
	}
	if err := validateTensors(c.Name, "input", c.Inputs, false); err != nil {
		return err
	}
	if err := validateTensors(c.Name, "output", c.Outputs, true); err != nil {
		return err
	}
	if len(c.InstanceGroups) == 0 {
		return fmt.Errorf("model '%s' must specify at least one instance group", c.Name)
	}
	for _, group := range c.InstanceGroups {
		if group.Count < 1 {
			return fmt.Errorf("instance group '%s' of model '%s' must have count >= 1", group.Name, c.Name)
		}
		if group.Kind == KindGPU && len(group.GPUs) == 0 {
			return fmt.Errorf("instance group '%s' of model '%s' has KIND_GPU but no gpus", group.Name, c.Name)
		}
	}
	if c.DefaultModelFilename == "" {
		return fmt.Errorf("model '%s' must specify a default_model_filename", c.Name)
	}
	return nil
}

// validateTensors checks a tensor list. Dynamic -1 dimensions are only legal
// where allowDynamic is set: outputs may defer their size to execution time,
// but inputs must have a fixed per-item byte size so request content can be
// measured against it.
func validateTensors(model string, kind string, tensors []ModelTensor, allowDynamic bool) error {
	seen := map[string]bool{}
	for i := range tensors {
		t := &tensors[i]
		if t.Name == "" {
			return fmt.Errorf("model '%s' has an unnamed %s", model, kind)
		}
		if seen[t.Name] {
			return fmt.Errorf("model '%s' has duplicate %s '%s'", model, kind, t.Name)
		}
		seen[t.Name] = true
		if t.DataType.Size() == 0 {
			return fmt.Errorf("datatype %s for %s '%s' of model '%s' has no fixed element size", t.DataType, kind, t.Name, model)
		}
		if len(t.Dims) == 0 {
			return fmt.Errorf("%s '%s' of model '%s' must have at least one dimension", kind, t.Name, model)
		}
		for _, dim := range t.Dims {
			if dim == 0 || dim < -1 {
				return fmt.Errorf("%s '%s' of model '%s' has invalid dimension %d", kind, t.Name, model, dim)
			}
			if dim == -1 && !allowDynamic {
				return fmt.Errorf("%s '%s' of model '%s' has dynamic dimension -1, %ss must have a fixed shape", kind, t.Name, model, kind)
			}
		}
	}
	return nil
}

// Input returns the configured input with the given name.
func (c *ModelConfig) Input(name string) (*ModelTensor, error) {
	for i := range c.Inputs {
		if c.Inputs[i].Name == name {
			return &c.Inputs[i], nil
		}
	}
	return nil, fmt.Errorf("unexpected inference input '%s' for model '%s'", name, c.Name)
}

// Output returns the configured output with the given name.
func (c *ModelConfig) Output(name string) (*ModelTensor, error) {
	for i := range c.Outputs {
		if c.Outputs[i].Name == name {
			return &c.Outputs[i], nil
		}
	}
	return nil, fmt.Errorf("unexpected inference output '%s' for model '%s'", name, c.Name)
}

// OutputNames returns the configured output names in declaration order.
func (c *ModelConfig) OutputNames() []string {
	names := make([]string, len(c.Outputs))
	for i := range c.Outputs {
		names[i] = c.Outputs[i].Name
	}
	return names
}
