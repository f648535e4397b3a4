package refbackend

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
)

// RefWorkloadFactory produces reference workloads. All validation happens at
// creation time; Execute assumes shapes already line up. The workloads hold
// no mutable state, so one instance is safely shared across concurrent
// working-memory handles.
type RefWorkloadFactory struct {
	memoryManager *RefMemoryManager
}

func (f *RefWorkloadFactory) CreateTensorHandle(info graph.TensorInfo) (backends.TensorHandle, error) {
	if info.Type != graph.Float32 {
		return nil, fmt.Errorf("the reference backend only supports Float32 tensors, got %s", info.Type)
	}
	if info.Shape.NumElements() <= 0 {
		return nil, fmt.Errorf("cannot create a tensor handle for empty shape %s", info.Shape)
	}
	return &RefTensorHandle{info: info, manager: f.memoryManager}, nil
}

func (f *RefWorkloadFactory) CreateWorkload(layer *graph.Layer, inputs []graph.TensorInfo) (backends.Workload, error) {
	switch layer.Kind {
	case graph.KindInput, graph.KindOutput:
		if len(inputs) != 1 {
			return nil, fmt.Errorf("%s layer %s expects 1 input, got %d", layer.Kind, layer.Name, len(inputs))
		}
		return &copyWorkload{}, nil
	case graph.KindConstant:
		if int64(len(layer.Data)) != layer.Output.Shape.NumElements() {
			return nil, fmt.Errorf("constant layer %s carries %d values for shape %s", layer.Name, len(layer.Data), layer.Output.Shape)
		}
		// Snapshot the value so later mutation of the source graph cannot
		// reach the constant tensor.
		value := make([]float32, len(layer.Data))
		copy(value, layer.Data)
		return &constantWorkload{value: value}, nil
	case graph.KindFullyConnected:
		return newFullyConnectedWorkload(layer, inputs)
	case graph.KindElementwiseAdd:
		if len(inputs) != 2 {
			return nil, fmt.Errorf("elementwise add layer %s expects 2 inputs, got %d", layer.Name, len(inputs))
		}
		if !inputs[0].Shape.Equal(inputs[1].Shape) {
			return nil, fmt.Errorf("elementwise add layer %s has mismatched input shapes %s and %s", layer.Name, inputs[0].Shape, inputs[1].Shape)
		}
		return &addWorkload{shape: inputs[0].Shape}, nil
	case graph.KindActivation:
		return newActivationWorkload(layer, inputs)
	default:
		return nil, &backends.UnsupportedKindError{Backend: BackendID, Kind: layer.Kind}
	}
}

// copyWorkload moves data between an external tensor handle and a graph
// tensor handle. Used for both the input-binding and output-binding phases.
type copyWorkload struct{}

func (w *copyWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	src, err := inputs[0].Data()
	if err != nil {
		return err
	}
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	if len(src) != len(dst) {
		return fmt.Errorf("copy workload size mismatch: %d -> %d elements", len(src), len(dst))
	}
	// Zero-copy case: input and output already share the imported memory.
	if &src[0] == &dst[0] {
		return nil
	}
	copy(dst, src)
	return nil
}

// constantWorkload writes the snapshot of a constant layer's value into its
// tensor handle. The engine runs it exactly once at load time.
type constantWorkload struct {
	value []float32
}

func (w *constantWorkload) Execute(_ []backends.TensorHandle, outputs []backends.TensorHandle) error {
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	copy(dst, w.value)
	return nil
}

type fullyConnectedWorkload struct {
	batch   int
	inDim   int
	outDim  int
	hasBias bool
}

func newFullyConnectedWorkload(layer *graph.Layer, inputs []graph.TensorInfo) (*fullyConnectedWorkload, error) {
	if len(inputs) != 2 && len(inputs) != 3 {
		return nil, fmt.Errorf("fully connected layer %s expects inputs (data, weights[, bias]), got %d inputs", layer.Name, len(inputs))
	}
	data, weights := inputs[0], inputs[1]
	if len(weights.Shape) != 2 {
		return nil, fmt.Errorf("fully connected layer %s expects 2D weights, got shape %s", layer.Name, weights.Shape)
	}
	inDim := int(weights.Shape[0])
	outDim := int(weights.Shape[1])
	if len(data.Shape) == 0 || int(data.Shape[len(data.Shape)-1]) != inDim {
		return nil, fmt.Errorf("fully connected layer %s: input shape %s does not match weights shape %s", layer.Name, data.Shape, weights.Shape)
	}
	batch := int(data.Shape.NumElements()) / inDim
	if int64(batch*outDim) != layer.Output.Shape.NumElements() {
		return nil, fmt.Errorf("fully connected layer %s: output shape %s does not hold %d x %d results", layer.Name, layer.Output.Shape, batch, outDim)
	}
	if len(inputs) == 3 {
		if inputs[2].Shape.NumElements() != int64(outDim) {
			return nil, fmt.Errorf("fully connected layer %s: bias shape %s does not match output dimension %d", layer.Name, inputs[2].Shape, outDim)
		}
	}
	return &fullyConnectedWorkload{
		batch:   batch,
		inDim:   inDim,
		outDim:  outDim,
		hasBias: len(inputs) == 3,
	}, nil
}

func (w *fullyConnectedWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	inData, err := inputs[0].Data()
	if err != nil {
		return err
	}
	weightData, err := inputs[1].Data()
	if err != nil {
		return err
	}
	in := tensor.New(tensor.WithShape(w.batch, w.inDim), tensor.WithBacking(inData))
	weights := tensor.New(tensor.WithShape(w.inDim, w.outDim), tensor.WithBacking(weightData))
	product, err := tensor.MatMul(in, weights)
	if err != nil {
		return fmt.Errorf("fully connected matmul failed: %w", err)
	}
	result := product.Data().([]float32)

	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	copy(dst, result)

	if w.hasBias {
		bias, biasErr := inputs[2].Data()
		if biasErr != nil {
			return biasErr
		}
		for b := 0; b < w.batch; b++ {
			row := dst[b*w.outDim : (b+1)*w.outDim]
			for i := range row {
				row[i] += bias[i]
			}
		}
	}
	return nil
}

type addWorkload struct {
	shape graph.Shape
}

func (w *addWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	leftData, err := inputs[0].Data()
	if err != nil {
		return err
	}
	rightData, err := inputs[1].Data()
	if err != nil {
		return err
	}
	dims := make([]int, len(w.shape))
	for i, d := range w.shape {
		dims[i] = int(d)
	}
	left := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(leftData))
	right := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(rightData))
	sum, err := tensor.Add(left, right)
	if err != nil {
		return fmt.Errorf("elementwise add failed: %w", err)
	}
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	copy(dst, sum.Data().([]float32))
	return nil
}

type activationWorkload struct {
	fn func(float32) float32
}

func newActivationWorkload(layer *graph.Layer, inputs []graph.TensorInfo) (*activationWorkload, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("activation layer %s expects 1 input, got %d", layer.Name, len(inputs))
	}
	name := layer.Params["function"]
	var fn func(float32) float32
	switch name {
	case "relu":
		fn = func(x float32) float32 {
			if x < 0 {
				return 0
			}
			return x
		}
	case "sigmoid":
		fn = func(x float32) float32 {
			return float32(1 / (1 + math.Exp(-float64(x))))
		}
	case "tanh":
		fn = func(x float32) float32 {
			return float32(math.Tanh(float64(x)))
		}
	default:
		return nil, fmt.Errorf("activation layer %s has unknown function %q", layer.Name, name)
	}
	return &activationWorkload{fn: fn}, nil
}

func (w *activationWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	src, err := inputs[0].Data()
	if err != nil {
		return err
	}
	in := tensor.New(tensor.WithShape(len(src)), tensor.WithBacking(src))
	activated, err := in.Apply(w.fn)
	if err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	copy(dst, activated.Data().([]float32))
	return nil
}
