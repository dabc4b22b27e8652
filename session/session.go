// Package session abstracts the model-execution runtime behind a small
// environment/session/value surface, so that the batching core can run
// against the native ONNX Runtime, the pure-Go gonnx runtime, or a mock.
package session

import (
	"github.com/knights-analytics/onnxbackend/config"
)

// TensorInfo is the IO metadata reported by a loaded model graph.
type TensorInfo struct {
	Name       string
	Dimensions []int64
}

// Value is one tensor handle owned by an execution context for the duration
// of a single run. Destroy must be safe to call exactly once and must release
// any native resources backing the value.
type Value interface {
	Bytes() []byte
	Shape() []int64
	Destroy() error
}

// NamedValue pairs a value with the graph input it feeds.
type NamedValue struct {
	Name  string
	Value Value
}

// Session is one loaded model instance bound to a device. A session is not
// safe for concurrent Run calls; the scheduler guarantees serial access.
type Session interface {
	// Inputs and Outputs report the IO names and shapes of the loaded graph.
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	// NewValue wraps a raw buffer as a tensor value of the given datatype and
	// shape. The session retains no reference; the caller owns the value.
	NewValue(dt config.DataType, shape []int64, data []byte) (Value, error)
	// Run executes the graph once and returns one value per requested output,
	// in request order. The caller owns the returned values.
	Run(inputs []NamedValue, outputNames []string) ([]Value, error)
	Destroy() error
}

// Config carries the per-session options applied at creation time.
type Config struct {
	// GPUDevice is the CUDA device index to bind, or NoGPUDevice for CPU.
	GPUDevice      int
	IntraOpThreads int
	InterOpThreads int
	CPUMemArena    *bool
	MemPattern     *bool
}

// NoGPUDevice is the Config.GPUDevice sentinel for CPU execution.
const NoGPUDevice = -1

// Environment creates sessions over model artifacts. One environment is
// shared by all execution contexts of a backend.
type Environment interface {
	NewSession(artifact string, cfg Config) (Session, error)
	// Supports reports whether the runtime can represent the datatype.
	Supports(dt config.DataType) bool
	Destroy() error
}

// hostValue is a Value backed by ordinary host memory. Both the gonnx and the
// mock sessions hand these out; Destroy only drops the reference.
type hostValue struct {
	dataType config.DataType
	shape    []int64
	data     []byte
}

func (v *hostValue) Bytes() []byte  { return v.data }
func (v *hostValue) Shape() []int64 { return v.shape }

func (v *hostValue) Destroy() error {
	v.data = nil
	return nil
}
