package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/session"
)

func TestGoEnvironmentSupports(t *testing.T) {
	env := session.NewGoEnvironment()
	defer func() { assert.NoError(t, env.Destroy()) }()

	assert.True(t, env.Supports(config.Fp32))
	assert.True(t, env.Supports(config.Int64))
	assert.True(t, env.Supports(config.Bool))
	assert.False(t, env.Supports(config.Fp16))
	assert.False(t, env.Supports(config.String))
	assert.False(t, env.Supports(config.Invalid))
}

func TestGoEnvironmentRejectsGPU(t *testing.T) {
	env := session.NewGoEnvironment()
	_, err := env.NewSession("model.onnx", session.Config{GPUDevice: 0})
	assert.Error(t, err)
}

func TestGoEnvironmentMissingArtifact(t *testing.T) {
	env := session.NewGoEnvironment()
	_, err := env.NewSession("/does/not/exist/model.onnx", session.Config{GPUDevice: session.NoGPUDevice})
	assert.Error(t, err)
}

func TestMockSessionTracksValues(t *testing.T) {
	env := &session.MockEnvironment{}
	mockSession, err := env.NewSession("model.onnx", session.Config{GPUDevice: session.NoGPUDevice})
	assert.NoError(t, err)

	value, err := mockSession.NewValue(config.Fp32, []int64{1}, []byte{0, 0, 0, 0})
	assert.NoError(t, err)

	tracked := env.Sessions()[0]
	assert.Len(t, tracked.LeakedValues(), 1)
	assert.NoError(t, value.Destroy())
	assert.Empty(t, tracked.LeakedValues())
}
