package scheduler

import "fmt"

// BytesRequest is an in-memory RequestProvider backed by pre-chunked byte
// slices. Content for an input may be split across arbitrarily many chunks;
// the runner pulls them in order until the declared byte size is covered.
type BytesRequest struct {
	batchSize int
	content   map[string][][]byte
	cursors   map[string]int
	overrides []InputOverride
}

// NewBytesRequest creates a request covering batchSize items.
func NewBytesRequest(batchSize int) *BytesRequest {
	return &BytesRequest{
		batchSize: batchSize,
		content:   map[string][][]byte{},
		cursors:   map[string]int{},
	}
}

// AddContent appends chunks for a declared input.
func (r *BytesRequest) AddContent(name string, chunks ...[]byte) *BytesRequest {
	r.content[name] = append(r.content[name], chunks...)
	return r
}

// AddOverride registers an input absent from the model configuration,
// together with its content chunks.
func (r *BytesRequest) AddOverride(override InputOverride, chunks ...[]byte) *BytesRequest {
	r.overrides = append(r.overrides, override)
	return r.AddContent(override.Name, chunks...)
}

func (r *BytesRequest) BatchSize() int { return r.batchSize }

func (r *BytesRequest) NextInputContent(name string) ([]byte, error) {
	chunks := r.content[name]
	cursor := r.cursors[name]
	if cursor >= len(chunks) {
		return nil, nil
	}
	r.cursors[name] = cursor + 1
	return chunks[cursor], nil
}

func (r *BytesRequest) InputOverrides() []InputOverride { return r.overrides }

// BytesResponse is an in-memory ResponseProvider collecting output tensors
// into byte buffers. With no requested names it accepts every output.
type BytesResponse struct {
	requested map[string]struct{}

	// Outputs and Shapes are populated by the runner, keyed by output name.
	Outputs map[string][]byte
	Shapes  map[string][]int64

	// AllocFn, when set, replaces the default buffer allocation. Tests use
	// it to simulate allocation failures.
	AllocFn func(name string, byteSize int, shape []int64) ([]byte, error)
}

// NewBytesResponse creates a response interested in the named outputs, or in
// all outputs when none are named.
func NewBytesResponse(outputs ...string) *BytesResponse {
	r := &BytesResponse{
		Outputs: map[string][]byte{},
		Shapes:  map[string][]int64{},
	}
	if len(outputs) > 0 {
		r.requested = map[string]struct{}{}
		for _, name := range outputs {
			r.requested[name] = struct{}{}
		}
	}
	return r
}

func (r *BytesResponse) RequiresOutput(name string) bool {
	if r.requested == nil {
		return true
	}
	_, ok := r.requested[name]
	return ok
}

func (r *BytesResponse) AllocateOutputBuffer(name string, byteSize int, shape []int64) ([]byte, error) {
	if byteSize < 0 {
		return nil, fmt.Errorf("negative byte size %d for output '%s'", byteSize, name)
	}
	var buffer []byte
	if r.AllocFn != nil {
		allocated, err := r.AllocFn(name, byteSize, shape)
		if err != nil {
			return nil, err
		}
		buffer = allocated
	} else {
		buffer = make([]byte, byteSize)
	}
	r.Outputs[name] = buffer
	r.Shapes[name] = append([]int64{}, shape...)
	return buffer, nil
}
