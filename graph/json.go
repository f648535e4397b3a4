package graph

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type layerJSON struct {
	ID      int               `json:"id"`
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Backend string            `json:"backend"`
	Inputs  []int             `json:"inputs,omitempty"`
	Shape   []int64           `json:"shape"`
	Type    string            `json:"type,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Data    []float32         `json:"data,omitempty"`
}

type graphJSON struct {
	Layers         []layerJSON `json:"layers"`
	InputBindings  map[int]int `json:"inputBindings"`
	OutputBindings map[int]int `json:"outputBindings"`
}

var kindByName = func() map[string]LayerKind {
	m := make(map[string]LayerKind, len(kindNames))
	for kind, name := range kindNames {
		m[name] = kind
	}
	return m
}()

// FromJSON decodes a serialized compiled graph and validates it.
func FromJSON(data []byte) (*CompiledGraph, error) {
	var decoded graphJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("cannot decode compiled graph: %w", err)
	}

	g := &CompiledGraph{
		Layers:         make([]Layer, 0, len(decoded.Layers)),
		InputBindings:  map[BindingID]LayerID{},
		OutputBindings: map[BindingID]LayerID{},
	}
	for _, l := range decoded.Layers {
		kind, ok := kindByName[l.Kind]
		if !ok {
			return nil, fmt.Errorf("layer %d (%s) has unknown kind %q", l.ID, l.Name, l.Kind)
		}
		elementType := Float32
		switch l.Type {
		case "", "Float32":
		case "Int64":
			elementType = Int64
		default:
			return nil, fmt.Errorf("layer %d (%s) has unknown element type %q", l.ID, l.Name, l.Type)
		}
		inputs := make([]LayerID, 0, len(l.Inputs))
		for _, input := range l.Inputs {
			inputs = append(inputs, LayerID(input))
		}
		g.Layers = append(g.Layers, Layer{
			ID:      LayerID(l.ID),
			Name:    l.Name,
			Kind:    kind,
			Backend: l.Backend,
			Inputs:  inputs,
			Output:  TensorInfo{Shape: l.Shape, Type: elementType},
			Params:  l.Params,
			Data:    l.Data,
		})
	}
	for binding, layerID := range decoded.InputBindings {
		g.InputBindings[BindingID(binding)] = LayerID(layerID)
	}
	for binding, layerID := range decoded.OutputBindings {
		g.OutputBindings[BindingID(binding)] = LayerID(layerID)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ToJSON serializes a compiled graph. Used by tooling; the engine itself
// never persists graphs.
func (g *CompiledGraph) ToJSON() ([]byte, error) {
	encoded := graphJSON{
		InputBindings:  map[int]int{},
		OutputBindings: map[int]int{},
	}
	for i := range g.Layers {
		layer := &g.Layers[i]
		inputs := make([]int, 0, len(layer.Inputs))
		for _, input := range layer.Inputs {
			inputs = append(inputs, int(input))
		}
		encoded.Layers = append(encoded.Layers, layerJSON{
			ID:      int(layer.ID),
			Name:    layer.Name,
			Kind:    layer.Kind.String(),
			Backend: layer.Backend,
			Inputs:  inputs,
			Shape:   layer.Output.Shape,
			Type:    layer.Output.Type.String(),
			Params:  layer.Params,
			Data:    layer.Data,
		})
	}
	for binding, layerID := range g.InputBindings {
		encoded.InputBindings[int(binding)] = int(layerID)
	}
	for binding, layerID := range g.OutputBindings {
		encoded.OutputBindings[int(binding)] = int(layerID)
	}
	return json.Marshal(encoded)
}
