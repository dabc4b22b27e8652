// Package scheduler owns the payload contract between request handling and
// the execution contexts, and runs one dispatch queue per context.
package scheduler

import (
	"github.com/knights-analytics/onnxbackend/config"
)

// RequestProvider is the request side of a payload. Input content is pulled
// in chunks: NextInputContent may need several calls per input and returns a
// nil slice once the content for that input is exhausted.
type RequestProvider interface {
	BatchSize() int
	NextInputContent(name string) ([]byte, error)
	// InputOverrides lists extra inputs this request supplies beyond the
	// model configuration, with their own datatype and dimensions.
	InputOverrides() []InputOverride
}

// InputOverride describes one input supplied by a request that is not part
// of the configured model inputs.
type InputOverride struct {
	Name     string
	DataType config.DataType
	Dims     []int64
}

// ResponseProvider is the response side of a payload.
type ResponseProvider interface {
	RequiresOutput(name string) bool
	// AllocateOutputBuffer returns a destination buffer of exactly byteSize
	// bytes for the named output.
	AllocateOutputBuffer(name string, byteSize int, shape []int64) ([]byte, error)
}

// Payload is one request's state routed through a single batch. The
// scheduler owns it; execution contexts borrow it for the duration of one
// run and record per-payload failures on its status.
type Payload struct {
	Request  RequestProvider
	Response ResponseProvider

	err error
}

func NewPayload(request RequestProvider, response ResponseProvider) *Payload {
	return &Payload{Request: request, Response: response}
}

// MarkFailed records the payload's failure. The first error sticks; later
// stages never overwrite it.
func (p *Payload) MarkFailed(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *Payload) Err() error {
	return p.err
}

func (p *Payload) OK() bool {
	return p.err == nil
}
