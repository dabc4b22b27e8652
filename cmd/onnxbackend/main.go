package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/onnxbackend"
	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/scheduler"
	"github.com/knights-analytics/onnxbackend/session"
	"github.com/knights-analytics/onnxbackend/util/fileutil"
)

var modelDir string
var runtimeName string
var sharedLibraryPath string
var inputPath string
var outputPath string
var logLevel string

// request is the JSON document the run command consumes. Input data is given
// as float32 values per configured input.
type request struct {
	BatchSize int                  `json:"batch_size"`
	Inputs    map[string][]float32 `json:"inputs"`
	Outputs   []string             `json:"outputs"`
}

type outputTensor struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a single batch of inference against an ONNX model repository entry",
	Description: `Run loads the model configuration at <model>/config.json, creates the
configured execution contexts and executes one batch built from the input
document. The input is a json file of the form
{"batch_size": 1, "inputs": {"INPUT0": [1.0, 2.0]}, "outputs": ["OUTPUT0"]}.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model repository entry (directory with config.json and artifacts)",
			Aliases:     []string{"m"},
			Destination: &modelDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "runtime",
			Usage:       "Runtime to execute with: go (gonnx) or ort (onnxruntime)",
			Aliases:     []string{"r"},
			Destination: &runtimeName,
			Value:       "go",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so, used with --runtime ort",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input json document. If omitted, input is read from stdin.",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to write the output json to. If omitted, output goes to stdout.",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "logLevel",
			Usage:       "Log level: trace, debug, info, warn, error",
			Destination: &logLevel,
			Value:       "info",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		if sharedLibraryPath == "" {
			sharedLibraryPath = viper.GetString("onnxruntime_shared_library")
		}

		cfg, err := config.Load(fileutil.PathJoinSafe(modelDir, "config.json"))
		if err != nil {
			return err
		}

		env, err := newEnvironment()
		if err != nil {
			return err
		}

		backend := onnxbackend.New(cfg.Name, onnxbackend.WithLogger(logger))
		if err := backend.Init(modelDir, cfg); err != nil {
			return errors.Join(err, env.Destroy())
		}
		if err := backend.CreateExecutionContexts(env, artifactPaths(cfg)); err != nil {
			return errors.Join(err, backend.Destroy(), env.Destroy())
		}
		defer func() {
			err = errors.Join(err, backend.Destroy(), env.Destroy())
		}()

		req, err := readRequest()
		if err != nil {
			return err
		}

		payload, response, err := buildPayload(cfg, req)
		if err != nil {
			return err
		}

		done := make(chan error, 1)
		if err := backend.Dispatch(0, []*scheduler.Payload{payload}, func(runErr error) {
			done <- runErr
		}); err != nil {
			return err
		}
		if err := <-done; err != nil {
			return err
		}
		if err := payload.Err(); err != nil {
			return err
		}

		return writeResponse(response)
	},
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	var logger zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func newEnvironment() (session.Environment, error) {
	switch runtimeName {
	case "go":
		return session.NewGoEnvironment(), nil
	case "ort":
		return session.NewORTEnvironment(sharedLibraryPath)
	default:
		return nil, fmt.Errorf("runtime %q not implemented, use go or ort", runtimeName)
	}
}

// artifactPaths maps every artifact filename the configuration can select to
// its location inside the model directory. Missing files are left out so the
// backend reports them as unavailable.
func artifactPaths(cfg *config.ModelConfig) map[string]string {
	paths := map[string]string{}
	add := func(filename string) {
		if filename == "" {
			return
		}
		location := fileutil.PathJoinSafe(modelDir, filename)
		if exists, err := fileutil.FileExists(location); err == nil && exists {
			paths[filename] = location
		}
	}
	add(cfg.DefaultModelFilename)
	for _, filename := range cfg.CCModelFilenames {
		add(filename)
	}
	return paths
}

func readRequest() (*request, error) {
	var data []byte
	var err error
	if inputPath != "" {
		data, err = fileutil.ReadFileBytes(inputPath)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	req := &request{BatchSize: 1}
	if err := jsoniter.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	return req, nil
}

func buildPayload(cfg *config.ModelConfig, req *request) (*scheduler.Payload, *scheduler.BytesResponse, error) {
	bytesRequest := scheduler.NewBytesRequest(req.BatchSize)
	for _, input := range cfg.Inputs {
		values, ok := req.Inputs[input.Name]
		if !ok {
			return nil, nil, fmt.Errorf("input document has no data for input '%s'", input.Name)
		}
		if input.DataType != config.Fp32 {
			return nil, nil, fmt.Errorf("the run command only supports FP32 inputs, input '%s' is %s", input.Name, input.DataType)
		}
		bytesRequest.AddContent(input.Name, float32Bytes(values))
	}
	response := scheduler.NewBytesResponse(req.Outputs...)
	return scheduler.NewPayload(bytesRequest, response), response, nil
}

func writeResponse(response *scheduler.BytesResponse) error {
	outputs := map[string]outputTensor{}
	for name, raw := range response.Outputs {
		outputs[name] = outputTensor{
			Shape: response.Shapes[name],
			Data:  bytesFloat32(raw),
		}
	}
	data, err := jsoniter.MarshalIndent(map[string]any{"outputs": outputs}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if outputPath != "" {
		return os.WriteFile(outputPath, data, os.ModePerm)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func float32Bytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(value))
	}
	return out
}

func bytesFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func main() {
	viper.SetEnvPrefix("onnxbackend")
	viper.AutomaticEnv()
	app := &cli.App{
		Name:     "onnxbackend",
		Usage:    "Batched execution backend for ONNX models",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}
