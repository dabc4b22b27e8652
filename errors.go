package onnxbackend

import "errors"

var (
	// ErrBatchSize marks a dispatched batch exceeding the configured maximum.
	ErrBatchSize = errors.New("batch size exceeds maximum")
	// ErrContentSize marks request input content that does not match the
	// byte size implied by the input's datatype and shape.
	ErrContentSize = errors.New("unexpected input content size")
	// ErrOutputSize marks an output tensor whose size cannot be split evenly
	// across the batch, or that contradicts the configured shape.
	ErrOutputSize = errors.New("unexpected output size")
)
