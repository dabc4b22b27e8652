// Package onnxbackend implements a batched execution backend for ONNX
// models. A backend owns one execution context per configured model
// instance, gathers the payloads of a batch into contiguous input tensors,
// runs the model and scatters the outputs back to the payloads.
package onnxbackend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/device"
	"github.com/knights-analytics/onnxbackend/scheduler"
	"github.com/knights-analytics/onnxbackend/session"
)

// Backend is a loaded model with its execution contexts and the scheduler
// dispatching batches to them. Create with New, then Init and
// CreateExecutionContexts before dispatching.
type Backend struct {
	name      string
	modelPath string
	config    *config.ModelConfig

	contexts  []*executionContext
	scheduler *scheduler.Scheduler

	querier device.Querier
	logger  zerolog.Logger
}

// Option configures a Backend at creation time.
type Option func(*Backend)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithDeviceQuerier overrides how compute capabilities are resolved for GPU
// instances. The default shells out to nvidia-smi.
func WithDeviceQuerier(querier device.Querier) Option {
	return func(b *Backend) {
		b.querier = querier
	}
}

func New(name string, options ...Option) *Backend {
	b := &Backend{
		name:    name,
		querier: device.SMIQuerier{},
		logger:  zerolog.Nop(),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Init binds the backend to a model repository path and its configuration.
func (b *Backend) Init(path string, cfg *config.ModelConfig) error {
	if err := cfg.Validate(config.PlatformONNX); err != nil {
		return fmt.Errorf("invalid configuration for model '%s': %w", b.name, err)
	}
	b.modelPath = path
	b.config = cfg
	return nil
}

// CreateExecutionContexts walks the configured instance groups and creates
// one context per instance, bound to a CPU or to one of the group's GPUs.
// paths maps artifact filenames to their resolved locations. Any single
// failure aborts creation; a partially created backend must be destroyed.
func (b *Backend) CreateExecutionContexts(env session.Environment, paths map[string]string) error {
	if b.config == nil {
		return fmt.Errorf("backend '%s' is not initialised", b.name)
	}
	for _, group := range b.config.InstanceGroups {
		for c := 0; c < group.Count; c++ {
			if group.Kind == config.KindCPU {
				instanceName := fmt.Sprintf("%s_%d_cpu", group.Name, c)
				if err := b.createExecutionContext(env, instanceName, noGPUDevice, paths); err != nil {
					return err
				}
			} else {
				for _, gpu := range group.GPUs {
					instanceName := fmt.Sprintf("%s_%d_gpu%d", group.Name, c, gpu)
					if err := b.createExecutionContext(env, instanceName, gpu, paths); err != nil {
						return err
					}
				}
			}
		}
	}

	pool, err := scheduler.New(len(b.contexts), func(runnerIndex int) error {
		b.logger.Debug().
			Str("model", b.name).
			Str("context", b.contexts[runnerIndex].name).
			Msg("execution context ready")
		return nil
	}, b.Run)
	if err != nil {
		return fmt.Errorf("creating scheduler for model '%s': %w", b.name, err)
	}
	b.scheduler = pool
	return nil
}

func (b *Backend) createExecutionContext(env session.Environment, instanceName string, gpuDevice int, paths map[string]string) error {
	artifact := b.config.DefaultModelFilename
	if gpuDevice != noGPUDevice {
		capability, err := b.querier.ComputeCapability(gpuDevice)
		if err != nil {
			return fmt.Errorf("creating instance %s: %w", instanceName, err)
		}
		if variant, ok := b.config.CCModelFilenames[capability]; ok && variant != "" {
			artifact = variant
		}
	}

	path, ok := paths[artifact]
	if !ok {
		return fmt.Errorf("unable to find model '%s' for %s", artifact, instanceName)
	}

	sess, err := env.NewSession(path, session.Config{
		GPUDevice:      gpuDevice,
		IntraOpThreads: 1,
	})
	if err != nil {
		return fmt.Errorf("creating session for %s: %w", instanceName, err)
	}

	ctx := &executionContext{
		name:         instanceName,
		gpuDevice:    gpuDevice,
		maxBatchSize: b.config.MaxBatchSize,
		session:      sess,
		logger:       b.logger,
	}
	if err := ctx.validateInputs(env, b.config); err != nil {
		return errors.Join(err, sess.Destroy())
	}
	if err := ctx.validateOutputs(env, b.config); err != nil {
		return errors.Join(err, sess.Destroy())
	}

	b.contexts = append(b.contexts, ctx)
	b.logger.Info().
		Str("model", b.name).
		Str("context", instanceName).
		Str("artifact", artifact).
		Int("gpu_device", gpuDevice).
		Msg("created execution context")
	return nil
}

// Dispatch queues one batch on the given context. The call blocks until the
// context's runner accepts the batch; onComplete fires exactly once with the
// batch-level status. Per-payload failures are reported on the payloads.
func (b *Backend) Dispatch(runnerIndex int, payloads []*scheduler.Payload, onComplete func(error)) error {
	if b.scheduler == nil {
		return fmt.Errorf("backend '%s' has no execution contexts", b.name)
	}
	return b.scheduler.Dispatch(runnerIndex, payloads, onComplete)
}

// Run executes one batch on the indexed context. It is exported as the
// scheduler's run function; embedders normally go through Dispatch.
func (b *Backend) Run(runnerIndex int, payloads []*scheduler.Payload, onComplete func(error)) {
	if runnerIndex < 0 || runnerIndex >= len(b.contexts) {
		onComplete(fmt.Errorf("unexpected runner index %d, max allowed %d", runnerIndex, len(b.contexts)-1))
		return
	}
	ctx := b.contexts[runnerIndex]
	err := ctx.run(b.config, payloads)
	ctx.releaseRunResources()
	onComplete(err)
}

// ContextCount reports how many execution contexts, and therefore runner
// indexes, the backend has.
func (b *Backend) ContextCount() int {
	return len(b.contexts)
}

// Destroy stops the scheduler and releases every context's session.
func (b *Backend) Destroy() error {
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	var errs []error
	for _, ctx := range b.contexts {
		if err := ctx.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroying session of %s: %w", ctx.name, err))
		}
	}
	b.contexts = nil
	return errors.Join(errs...)
}

func (b *Backend) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "name=%s", b.name)
	if b.config != nil {
		fmt.Fprintf(&sb, ", max-batch-size=%d", b.config.MaxBatchSize)
	}
	for _, ctx := range b.contexts {
		deviceName := "cpu"
		if ctx.gpuDevice != noGPUDevice {
			deviceName = fmt.Sprintf("gpu%d", ctx.gpuDevice)
		}
		fmt.Fprintf(&sb, "\n  context %s: device=%s", ctx.name, deviceName)
	}
	return sb.String()
}
