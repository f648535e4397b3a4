package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/loadnet"
	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
	"github.com/knights-analytics/loadnet/options"
	"github.com/knights-analytics/loadnet/refbackend"
	"github.com/knights-analytics/loadnet/telemetry"
	"github.com/knights-analytics/loadnet/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var graphPath string
var inputPath string
var outputPath string
var concurrency int
var profile bool

type request struct {
	Inputs map[string][]float32 `json:"inputs"`
}

type response struct {
	Outputs map[string][]float32 `json:"outputs"`
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Execute a compiled graph against input tensors",
	Description: `Run loads a compiled graph from a .json file, registers the CPU reference
backend, and executes the graph once per input line. Input is .jsonl: each
line holds {"inputs": {"<binding id>": [floats...]}}. Output mirrors it with
{"outputs": {"<binding id>": [floats...]}}.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "graph",
			Usage:       "Path to the compiled graph json",
			Aliases:     []string{"g"},
			Destination: &graphPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to a .jsonl file with input tensors. If omitted, input is read from stdin.",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to write output .jsonl. If omitted, output is sent to stdout.",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Number of concurrent executions, each with its own working memory handle",
			Aliases:     []string{"c"},
			Destination: &concurrency,
			Value:       1,
		},
		&cli.BoolFlag{
			Name:        "profile",
			Usage:       "Emit per-workload telemetry events to the log",
			Destination: &profile,
		},
	},
	Action: func(ctx *cli.Context) error {
		graphBytes, err := fileutil.ReadFileBytes(graphPath)
		if err != nil {
			return fmt.Errorf("cannot read graph file: %w", err)
		}
		compiledGraph, err := graph.FromJSON(graphBytes)
		if err != nil {
			return err
		}

		registry := backends.NewRegistry()
		if err = refbackend.Register(registry); err != nil {
			return err
		}

		loadOptions := []options.WithOption{
			options.WithTelemetrySink(&telemetry.LogSink{}),
		}
		if profile {
			loadOptions = append(loadOptions, options.WithProfiling())
		}
		network, err := loadnet.Load(compiledGraph, registry, loadOptions...)
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := network.Destroy(); destroyErr != nil {
				log.Error().Err(destroyErr).Msg("destroying network")
			}
		}()

		var reader io.ReadCloser = os.Stdin
		if inputPath != "" {
			reader, err = os.Open(inputPath)
			if err != nil {
				return err
			}
			defer reader.Close()
		}
		var writer io.WriteCloser = os.Stdout
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(outputPath)
			if err != nil {
				return err
			}
			defer writer.Close()
		}

		if concurrency < 1 {
			concurrency = 1
		}
		return process(network, reader, writer, concurrency)
	},
}

// process drives one execution per input line, fanning out over concurrency
// working-memory handles. Results are written in input order.
func process(network *loadnet.LoadedNetwork, reader io.Reader, writer io.Writer, concurrency int) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var lines [][]byte
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// A channel works as the handle pool: each task takes a free handle and
	// returns it when done, so no handle ever has two executions in flight.
	handlePool := make(chan *loadnet.WorkingMemHandle, concurrency)
	for i := 0; i < concurrency; i++ {
		handle, err := network.CreateWorkingMemHandle()
		if err != nil {
			return err
		}
		handlePool <- handle
		defer handle.Free()
	}

	results := make([][]byte, len(lines))
	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, line := range lines {
		i, line := i, line
		group.Go(func() error {
			handle := <-handlePool
			defer func() { handlePool <- handle }()
			encoded, err := executeLine(network, handle, line)
			if err != nil {
				return fmt.Errorf("input line %d: %w", i+1, err)
			}
			results[i] = encoded
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	out := bufio.NewWriter(writer)
	for _, result := range results {
		if _, err := out.Write(append(result, '\n')); err != nil {
			return err
		}
	}
	return out.Flush()
}

func executeLine(network *loadnet.LoadedNetwork, handle *loadnet.WorkingMemHandle, line []byte) ([]byte, error) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, err
	}

	inputs := loadnet.InputTensors{}
	for key, data := range req.Inputs {
		binding, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("input binding %q is not an integer", key)
		}
		info, err := network.GetInputTensorInfo(graph.BindingID(binding))
		if err != nil {
			return nil, err
		}
		inputs[graph.BindingID(binding)] = loadnet.Tensor{Info: info, Data: data}
	}

	outputs := loadnet.OutputTensors{}
	resp := response{Outputs: map[string][]float32{}}
	for _, binding := range network.OutputBindings() {
		info, err := network.GetOutputTensorInfo(binding)
		if err != nil {
			return nil, err
		}
		data := make([]float32, info.Shape.NumElements())
		outputs[binding] = loadnet.Tensor{Info: info, Data: data}
		resp.Outputs[strconv.Itoa(int(binding))] = data
	}

	if err := network.Execute(inputs, outputs, handle, nil, nil); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func main() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.DefaultLogger = log.Logger{
			Level:  log.InfoLevel,
			Writer: &log.ConsoleWriter{ColorOutput: true},
		}
	}

	app := &cli.App{
		Name:     "loadnet",
		Usage:    "Run compiled computation graphs",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("loadnet failed")
	}
}
