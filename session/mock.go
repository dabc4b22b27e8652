package session

import (
	"fmt"
	"sync"

	"github.com/knights-analytics/onnxbackend/config"
)

// MockEnvironment is an in-memory Environment for tests and embedders that
// need deterministic runtime behaviour without a model artifact.
type MockEnvironment struct {
	InputsMeta  []TensorInfo
	OutputsMeta []TensorInfo
	// Unsupported lists datatypes Supports rejects; empty means every sized
	// datatype is accepted.
	Unsupported []config.DataType
	// NewSessionErr, when set, fails session creation.
	NewSessionErr error
	// RunFn computes the outputs for one batched call. When nil, Run fails.
	RunFn func(inputs []NamedValue, outputNames []string) ([]Value, error)

	mu       sync.Mutex
	sessions []*MockSession
}

func (e *MockEnvironment) NewSession(artifact string, cfg Config) (Session, error) {
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &MockSession{env: e, Artifact: artifact, Config: cfg}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

func (e *MockEnvironment) Supports(dt config.DataType) bool {
	for _, unsupported := range e.Unsupported {
		if dt == unsupported {
			return false
		}
	}
	return dt.Size() > 0
}

func (e *MockEnvironment) Destroy() error {
	return nil
}

// Sessions returns every session the environment has created, in creation
// order.
func (e *MockEnvironment) Sessions() []*MockSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MockSession{}, e.sessions...)
}

// MockSession records the calls made against it so tests can assert on run
// counts, input layout and value release.
type MockSession struct {
	env      *MockEnvironment
	Artifact string
	Config   Config

	RunCount  int
	LastRun   []NamedValue
	Destroyed bool

	values []*RawValue
}

func (s *MockSession) Inputs() []TensorInfo  { return s.env.InputsMeta }
func (s *MockSession) Outputs() []TensorInfo { return s.env.OutputsMeta }

func (s *MockSession) NewValue(dt config.DataType, shape []int64, data []byte) (Value, error) {
	value := &RawValue{DataType: dt, Dims: shape, Data: data}
	s.values = append(s.values, value)
	return value, nil
}

func (s *MockSession) Run(inputs []NamedValue, outputNames []string) ([]Value, error) {
	s.RunCount++
	s.LastRun = append([]NamedValue{}, inputs...)
	if s.env.RunFn == nil {
		return nil, fmt.Errorf("mock session has no run function")
	}
	return s.env.RunFn(inputs, outputNames)
}

func (s *MockSession) Destroy() error {
	s.Destroyed = true
	return nil
}

// LeakedValues returns the values created by NewValue that have not been
// destroyed yet.
func (s *MockSession) LeakedValues() []*RawValue {
	var leaked []*RawValue
	for _, value := range s.values {
		if !value.Released {
			leaked = append(leaked, value)
		}
	}
	return leaked
}

// RawValue is a plain in-memory tensor value. It tracks release so tests can
// verify the unconditional per-run cleanup.
type RawValue struct {
	DataType config.DataType
	Dims     []int64
	Data     []byte
	Released bool
}

func NewRawValue(dt config.DataType, shape []int64, data []byte) *RawValue {
	return &RawValue{DataType: dt, Dims: shape, Data: data}
}

func (v *RawValue) Bytes() []byte  { return v.Data }
func (v *RawValue) Shape() []int64 { return v.Dims }

func (v *RawValue) Destroy() error {
	v.Released = true
	return nil
}
