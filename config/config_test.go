package config_test

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxbackend/config"
)

const addSubConfig = `{
	"name": "addsub",
	"platform": "onnxruntime_onnx",
	"max_batch_size": 8,
	"input": [
		{"name": "INPUT0", "data_type": "TYPE_FP32", "dims": [16]},
		{"name": "INPUT1", "data_type": "FP32", "dims": [16]}
	],
	"output": [
		{"name": "OUTPUT0", "data_type": "TYPE_FP32", "dims": [16]},
		{"name": "OUTPUT1", "data_type": "TYPE_FP32", "dims": [16]}
	],
	"instance_group": [
		{"name": "addsub_group", "kind": "KIND_CPU", "count": 2},
		{"name": "addsub_gpu", "kind": "KIND_GPU", "count": 1, "gpus": [0, 1]}
	],
	"default_model_filename": "model.onnx",
	"cc_model_filenames": {"8.6": "model_86.onnx"}
}`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := path.Join(dir, "config.json")
	assert.NoError(t, os.WriteFile(configPath, []byte(addSubConfig), os.ModePerm))

	cfg, err := config.Load(configPath)
	assert.NoError(t, err)
	assert.NoError(t, cfg.Validate(config.PlatformONNX))

	assert.Equal(t, "addsub", cfg.Name)
	assert.Equal(t, 8, cfg.MaxBatchSize)
	assert.Len(t, cfg.Inputs, 2)
	assert.Len(t, cfg.Outputs, 2)
	assert.Equal(t, config.Fp32, cfg.Inputs[0].DataType)
	assert.Equal(t, config.Fp32, cfg.Inputs[1].DataType)
	assert.Equal(t, []int64{16}, cfg.Inputs[0].Dims)
	assert.Equal(t, config.KindCPU, cfg.InstanceGroups[0].Kind)
	assert.Equal(t, config.KindGPU, cfg.InstanceGroups[1].Kind)
	assert.Equal(t, []int{0, 1}, cfg.InstanceGroups[1].GPUs)
	assert.Equal(t, "model.onnx", cfg.DefaultModelFilename)
	assert.Equal(t, "model_86.onnx", cfg.CCModelFilenames["8.6"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.Load(path.Join(t.TempDir(), "config.json"))
	assert.Error(t, err)
}

func validConfig() *config.ModelConfig {
	return &config.ModelConfig{
		Name:         "addsub",
		Platform:     config.PlatformONNX,
		MaxBatchSize: 8,
		Inputs: []config.ModelTensor{
			{Name: "INPUT0", DataType: config.Fp32, Dims: []int64{16}},
		},
		Outputs: []config.ModelTensor{
			{Name: "OUTPUT0", DataType: config.Fp32, Dims: []int64{16}},
		},
		InstanceGroups: []config.InstanceGroup{
			{Name: "group", Kind: config.KindCPU, Count: 1},
		},
		DefaultModelFilename: "model.onnx",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.ModelConfig)
		valid  bool
	}{
		{name: "valid", mutate: func(cfg *config.ModelConfig) {}, valid: true},
		{name: "no batching", mutate: func(cfg *config.ModelConfig) { cfg.MaxBatchSize = 0 }, valid: true},
		{name: "dynamic output dims", mutate: func(cfg *config.ModelConfig) { cfg.Outputs[0].Dims = []int64{-1, 3} }, valid: true},
		{name: "dynamic input dims", mutate: func(cfg *config.ModelConfig) { cfg.Inputs[0].Dims = []int64{-1, 3} }, valid: false},
		{name: "wrong platform", mutate: func(cfg *config.ModelConfig) { cfg.Platform = "tensorrt_plan" }, valid: false},
		{name: "empty name", mutate: func(cfg *config.ModelConfig) { cfg.Name = "" }, valid: false},
		{name: "negative batch size", mutate: func(cfg *config.ModelConfig) { cfg.MaxBatchSize = -1 }, valid: false},
		{name: "no inputs", mutate: func(cfg *config.ModelConfig) { cfg.Inputs = nil }, valid: false},
		{name: "no outputs", mutate: func(cfg *config.ModelConfig) { cfg.Outputs = nil }, valid: false},
		{name: "duplicate input", mutate: func(cfg *config.ModelConfig) {
			cfg.Inputs = append(cfg.Inputs, cfg.Inputs[0])
		}, valid: false},
		{name: "invalid datatype", mutate: func(cfg *config.ModelConfig) { cfg.Inputs[0].DataType = config.Invalid }, valid: false},
		{name: "zero dim", mutate: func(cfg *config.ModelConfig) { cfg.Inputs[0].Dims = []int64{0} }, valid: false},
		{name: "zero instance count", mutate: func(cfg *config.ModelConfig) { cfg.InstanceGroups[0].Count = 0 }, valid: false},
		{name: "gpu group without gpus", mutate: func(cfg *config.ModelConfig) {
			cfg.InstanceGroups[0].Kind = config.KindGPU
		}, valid: false},
		{name: "no default filename", mutate: func(cfg *config.ModelConfig) { cfg.DefaultModelFilename = "" }, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate(config.PlatformONNX)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDataType(t *testing.T) {
	assert.Equal(t, config.Fp32, config.DataTypeFromString("TYPE_FP32"))
	assert.Equal(t, config.Fp32, config.DataTypeFromString("FP32"))
	assert.Equal(t, config.Int64, config.DataTypeFromString("TYPE_INT64"))
	assert.Equal(t, config.Invalid, config.DataTypeFromString("TYPE_COMPLEX"))

	assert.Equal(t, 4, config.Fp32.Size())
	assert.Equal(t, 8, config.Int64.Size())
	assert.Equal(t, 1, config.Bool.Size())
	assert.Equal(t, 0, config.String.Size())
}

func TestModelTensorSizes(t *testing.T) {
	tensor := config.ModelTensor{Name: "INPUT0", DataType: config.Fp32, Dims: []int64{4, 2}}
	assert.Equal(t, int64(8), tensor.ElementCount())
	assert.Equal(t, 32, tensor.ByteSize())

	dynamic := config.ModelTensor{Name: "INPUT1", DataType: config.Fp32, Dims: []int64{-1, 2}}
	assert.Equal(t, int64(0), dynamic.ElementCount())
	assert.Equal(t, 0, dynamic.ByteSize())
}

func TestOutputLookup(t *testing.T) {
	cfg := validConfig()
	output, err := cfg.Output("OUTPUT0")
	assert.NoError(t, err)
	assert.Equal(t, "OUTPUT0", output.Name)

	_, err = cfg.Output("MISSING")
	assert.Error(t, err)

	assert.Equal(t, []string{"OUTPUT0"}, cfg.OutputNames())
}
