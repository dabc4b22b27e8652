package onnxbackend

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/scheduler"
	"github.com/knights-analytics/onnxbackend/session"
)

const (
	noGPUDevice = -1
	// noBatching means the model has no batch dimension; every request
	// carries exactly one item and tensor shapes are used as configured.
	noBatching = 0
)

// executionContext is one model instance bound to a device. A context only
// ever runs one batch at a time; the scheduler enforces that by tying each
// context to a single runner.
type executionContext struct {
	name         string
	gpuDevice    int
	maxBatchSize int
	session      session.Session

	// inputValues and outputValues hold the tensors of the run in flight.
	// releaseRunResources destroys them after every run, success or not.
	inputValues  []session.NamedValue
	outputValues []session.Value

	logger zerolog.Logger
}

// validateInputs checks every configured input against the loaded graph and
// the runtime's datatype support.
func (c *executionContext) validateInputs(env session.Environment, cfg *config.ModelConfig) error {
	graph := map[string]struct{}{}
	for _, info := range c.session.Inputs() {
		graph[info.Name] = struct{}{}
	}
	for _, input := range cfg.Inputs {
		if _, ok := graph[input.Name]; !ok {
			return fmt.Errorf("unexpected inference input '%s' for model '%s'", input.Name, cfg.Name)
		}
		if !env.Supports(input.DataType) {
			return fmt.Errorf("unsupported datatype %s for input '%s' for model '%s'", input.DataType, input.Name, cfg.Name)
		}
	}
	return nil
}

func (c *executionContext) validateOutputs(env session.Environment, cfg *config.ModelConfig) error {
	graph := map[string]struct{}{}
	for _, info := range c.session.Outputs() {
		graph[info.Name] = struct{}{}
	}
	for _, output := range cfg.Outputs {
		if _, ok := graph[output.Name]; !ok {
			return fmt.Errorf("unexpected inference output '%s' for model '%s'", output.Name, cfg.Name)
		}
		if !env.Supports(output.DataType) {
			return fmt.Errorf("unsupported datatype %s for output '%s' for model '%s'", output.DataType, output.Name, cfg.Name)
		}
	}
	return nil
}

// run executes one batch. Batch-fatal conditions come back as an error;
// per-payload failures are recorded on the payload status instead and do not
// fail the batch.
func (c *executionContext) run(cfg *config.ModelConfig, payloads []*scheduler.Payload) error {
	// Payloads that already carry a failure are dropped here; the total batch
	// size only counts admitted payloads and their buffer slots.
	admitted := make([]*scheduler.Payload, 0, len(payloads))
	totalBatch := 0
	for _, payload := range payloads {
		if !payload.OK() {
			c.logger.Warn().Str("context", c.name).Err(payload.Err()).
				Msg("skipping payload with non-OK status")
			continue
		}
		admitted = append(admitted, payload)
		totalBatch += payload.Request.BatchSize()
	}
	if totalBatch == 0 {
		return nil
	}
	payloads = admitted
	if c.maxBatchSize == noBatching {
		// Without a batch dimension the context can only take one item.
		if totalBatch != 1 {
			return fmt.Errorf("%w: '%s' does not support batching, got total batch size %d",
				ErrBatchSize, c.name, totalBatch)
		}
	} else if totalBatch != 1 && totalBatch > c.maxBatchSize {
		return fmt.Errorf("%w: dynamic batch size %d for '%s', max allowed is %d",
			ErrBatchSize, totalBatch, c.name, c.maxBatchSize)
	}

	for i := range cfg.Inputs {
		input := &cfg.Inputs[i]
		if err := c.setInputTensor(input.Name, input.DataType, input.Dims, totalBatch, payloads); err != nil {
			return err
		}
	}
	// The representative payload supplies any inputs beyond the model
	// configuration. All payloads of a batch share the same override set.
	for _, override := range payloads[0].Request.InputOverrides() {
		if err := c.setInputTensor(override.Name, override.DataType, override.Dims, totalBatch, payloads); err != nil {
			return err
		}
	}

	outputs, err := c.session.Run(c.inputValues, cfg.OutputNames())
	if err != nil {
		return fmt.Errorf("failed to run inference for '%s': %w", c.name, err)
	}
	c.outputValues = outputs

	return c.readOutputTensors(cfg, totalBatch, payloads)
}

// setInputTensor gathers the content of one input across all payloads into a
// single contiguous buffer and wraps it as a tensor value. A payload that
// delivers the wrong amount of content is failed individually; its slot in
// the buffer is skipped so the siblings keep their offsets.
func (c *executionContext) setInputTensor(name string, dt config.DataType, dims []int64, totalBatch int, payloads []*scheduler.Payload) error {
	shape := make([]int64, 0, len(dims)+1)
	if c.maxBatchSize != noBatching {
		shape = append(shape, int64(totalBatch))
	}
	shape = append(shape, dims...)

	itemBytes := elementCount(dims) * dt.Size()
	if itemBytes == 0 {
		return fmt.Errorf("inference input '%s' for '%s' has no fixed per-item byte size", name, c.name)
	}
	buffer := make([]byte, totalBatch*itemBytes)

	offset := 0
	for _, payload := range payloads {
		expected := payload.Request.BatchSize() * itemBytes
		copied := 0
		for payload.OK() {
			chunk, err := payload.Request.NextInputContent(name)
			if err != nil {
				payload.MarkFailed(fmt.Errorf("reading content for inference input '%s': %w", name, err))
				break
			}
			if chunk == nil {
				break
			}
			if copied+len(chunk) > expected {
				payload.MarkFailed(fmt.Errorf("%w: unexpected size %d for inference input '%s', expecting %d",
					ErrContentSize, copied+len(chunk), name, expected))
				break
			}
			copy(buffer[offset+copied:], chunk)
			copied += len(chunk)
		}
		if payload.OK() && copied != expected {
			payload.MarkFailed(fmt.Errorf("%w: expected %d bytes of data for inference input '%s', got %d",
				ErrContentSize, expected, name, copied))
		}
		// The slot stays reserved even on failure so that the remaining
		// payloads land at their expected offsets.
		offset += expected
	}

	value, err := c.session.NewValue(dt, shape, buffer)
	if err != nil {
		return fmt.Errorf("creating tensor for inference input '%s': %w", name, err)
	}
	c.inputValues = append(c.inputValues, session.NamedValue{Name: name, Value: value})
	return nil
}

// readOutputTensors splits every computed output across the payloads of the
// batch. The offset advances for every payload whether or not it wants the
// output, keeping the contiguous split aligned.
func (c *executionContext) readOutputTensors(cfg *config.ModelConfig, totalBatch int, payloads []*scheduler.Payload) error {
	names := cfg.OutputNames()
	if len(c.outputValues) != len(names) {
		return fmt.Errorf("%w: runtime returned %d output tensors for '%s', expected %d",
			ErrOutputSize, len(c.outputValues), c.name, len(names))
	}
	for idx, name := range names {
		value := c.outputValues[idx]
		combined := value.Bytes()
		if len(combined)%totalBatch != 0 {
			return fmt.Errorf("%w: output '%s' has %d bytes, not divisible over batch of %d",
				ErrOutputSize, name, len(combined), totalBatch)
		}
		itemBytes := len(combined) / totalBatch

		output, err := cfg.Output(name)
		if err != nil {
			return err
		}
		if configured := output.ByteSize(); configured > 0 && configured != itemBytes {
			return fmt.Errorf("%w: output '%s' produced %d bytes per item, configured shape implies %d",
				ErrOutputSize, name, itemBytes, configured)
		}

		shape := value.Shape()
		offset := 0
		for _, payload := range payloads {
			batchSize := payload.Request.BatchSize()
			expected := batchSize * itemBytes
			if payload.OK() && payload.Response != nil && payload.Response.RequiresOutput(name) {
				payloadShape := append([]int64{}, shape...)
				if c.maxBatchSize != noBatching && len(payloadShape) > 0 {
					payloadShape[0] = int64(batchSize)
				}
				buffer, err := payload.Response.AllocateOutputBuffer(name, expected, payloadShape)
				if err != nil {
					payload.MarkFailed(fmt.Errorf("allocating buffer for inference output '%s': %w", name, err))
				} else {
					copy(buffer, combined[offset:offset+expected])
				}
			}
			offset += expected
		}
	}
	return nil
}

// releaseRunResources destroys the tensors of the previous run. It runs after
// every batch regardless of outcome, so a failed run never leaks values into
// the next one.
func (c *executionContext) releaseRunResources() {
	var errs []error
	for _, input := range c.inputValues {
		if err := input.Value.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, output := range c.outputValues {
		if err := output.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	c.inputValues = nil
	c.outputValues = nil
	for _, err := range errs {
		c.logger.Warn().Err(err).Str("context", c.name).Msg("failed to release run resources")
	}
}

func elementCount(dims []int64) int {
	count := 1
	for _, dim := range dims {
		if dim < 0 {
			return 0
		}
		count *= int(dim)
	}
	return count
}
