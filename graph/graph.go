// Package graph defines the compiled-graph representation consumed by the
// loadnet engine. A CompiledGraph is produced by an upstream compiler with
// backend assignments already resolved; the engine treats it as immutable
// for the lifetime of the loaded network.
package graph

import (
	"fmt"
)

// BindingID is the stable small-integer identifier for an external
// input/output connection point of the graph. Binding ids are assigned at
// compile time and need not be contiguous.
type BindingID int

// LayerID uniquely identifies a layer within one compiled graph.
type LayerID int

// ElementType is the element type of a tensor.
type ElementType int

const (
	Float32 ElementType = iota
	Int64
)

func (e ElementType) String() string {
	switch e {
	case Float32:
		return "Float32"
	case Int64:
		return "Int64"
	default:
		return fmt.Sprintf("ElementType(%d)", int(e))
	}
}

// Shape holds tensor dimensions.
type Shape []int64

// NewShape returns a Shape with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// NumElements returns the total element count of the shape.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// TensorInfo describes the shape, element type and quantization parameters
// of one tensor.
type TensorInfo struct {
	Shape          Shape
	Type           ElementType
	QuantScale     float64
	QuantZeroPoint int32
}

// Compatible reports whether a caller-supplied tensor described by other can
// be bound where this info is expected.
func (t TensorInfo) Compatible(other TensorInfo) bool {
	return t.Type == other.Type && t.Shape.Equal(other.Shape)
}

// LayerKind discriminates the layer types the engine understands. Compute
// kinds are opaque to the engine itself; only the owning backend's workload
// factory interprets them.
type LayerKind int

const (
	KindInput LayerKind = iota
	KindOutput
	KindConstant
	KindFullyConnected
	KindElementwiseAdd
	KindActivation
)

var kindNames = map[LayerKind]string{
	KindInput:          "Input",
	KindOutput:         "Output",
	KindConstant:       "Constant",
	KindFullyConnected: "FullyConnected",
	KindElementwiseAdd: "ElementwiseAdd",
	KindActivation:     "Activation",
}

func (k LayerKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// Params carries the resolved per-layer parameters, e.g. the activation
// function name. Interpretation is backend-specific.
type Params map[string]string

// Layer is one node of the compiled graph. Inputs reference the layers whose
// outputs feed this layer, in slot order. Constant layers carry their value
// in Data; the engine materializes it exactly once at load time.
type Layer struct {
	ID      LayerID
	Name    string
	Kind    LayerKind
	Backend string
	Inputs  []LayerID
	Output  TensorInfo
	Params  Params
	Data    []float32
}

// CompiledGraph is the immutable output of the upstream compiler. Layers are
// expected in dependency order: every layer appears after all layers it
// consumes.
type CompiledGraph struct {
	Layers         []Layer
	InputBindings  map[BindingID]LayerID
	OutputBindings map[BindingID]LayerID
}

// Layer returns the layer with the given id.
func (g *CompiledGraph) Layer(id LayerID) (*Layer, error) {
	for i := range g.Layers {
		if g.Layers[i].ID == id {
			return &g.Layers[i], nil
		}
	}
	return nil, fmt.Errorf("layer %d does not exist in the compiled graph", id)
}

// InputInfo returns the tensor info expected at the given input binding.
func (g *CompiledGraph) InputInfo(binding BindingID) (TensorInfo, error) {
	layerID, ok := g.InputBindings[binding]
	if !ok {
		return TensorInfo{}, fmt.Errorf("unknown input binding id %d", binding)
	}
	layer, err := g.Layer(layerID)
	if err != nil {
		return TensorInfo{}, err
	}
	return layer.Output, nil
}

// OutputInfo returns the tensor info produced at the given output binding.
func (g *CompiledGraph) OutputInfo(binding BindingID) (TensorInfo, error) {
	layerID, ok := g.OutputBindings[binding]
	if !ok {
		return TensorInfo{}, fmt.Errorf("unknown output binding id %d", binding)
	}
	layer, err := g.Layer(layerID)
	if err != nil {
		return TensorInfo{}, err
	}
	return layer.Output, nil
}

// Validate checks structural invariants: unique layer ids, dependency
// ordering, edges resolving to existing layers, bindings pointing at
// input/output layers, backend assignment on every layer, consumption arity
// per kind and constant data matching the declared shape.
func (g *CompiledGraph) Validate() error {
	seen := make(map[LayerID]bool, len(g.Layers))
	for i := range g.Layers {
		layer := &g.Layers[i]
		if seen[layer.ID] {
			return fmt.Errorf("duplicate layer id %d", layer.ID)
		}
		if layer.Backend == "" {
			return fmt.Errorf("layer %d (%s) has no backend assigned", layer.ID, layer.Name)
		}
		for _, input := range layer.Inputs {
			if !seen[input] {
				return fmt.Errorf("layer %d (%s) consumes layer %d which does not precede it", layer.ID, layer.Name, input)
			}
		}
		switch layer.Kind {
		case KindInput, KindConstant:
			if len(layer.Inputs) != 0 {
				return fmt.Errorf("%s layer %d (%s) cannot consume other layers", layer.Kind, layer.ID, layer.Name)
			}
		default:
			if len(layer.Inputs) == 0 {
				return fmt.Errorf("%s layer %d (%s) must consume at least one layer", layer.Kind, layer.ID, layer.Name)
			}
		}
		if layer.Kind == KindConstant {
			if int64(len(layer.Data)) != layer.Output.Shape.NumElements() {
				return fmt.Errorf("constant layer %d (%s) carries %d values for shape %s", layer.ID, layer.Name, len(layer.Data), layer.Output.Shape)
			}
		}
		seen[layer.ID] = true
	}
	for binding, layerID := range g.InputBindings {
		layer, err := g.Layer(layerID)
		if err != nil {
			return fmt.Errorf("input binding %d: %w", binding, err)
		}
		if layer.Kind != KindInput {
			return fmt.Errorf("input binding %d points at %s layer %d", binding, layer.Kind, layerID)
		}
	}
	for binding, layerID := range g.OutputBindings {
		layer, err := g.Layer(layerID)
		if err != nil {
			return fmt.Errorf("output binding %d: %w", binding, err)
		}
		if layer.Kind != KindOutput {
			return fmt.Errorf("output binding %d points at %s layer %d", binding, layer.Kind, layerID)
		}
	}
	return nil
}

// Backends returns the distinct backend ids referenced by the graph, in
// first-seen layer order.
func (g *CompiledGraph) Backends() []string {
	var ids []string
	seen := map[string]bool{}
	for i := range g.Layers {
		if !seen[g.Layers[i].Backend] {
			seen[g.Layers[i].Backend] = true
			ids = append(ids, g.Layers[i].Backend)
		}
	}
	return ids
}
