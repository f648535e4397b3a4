package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoLayerGraph() *CompiledGraph {
	return &CompiledGraph{
		Layers: []Layer{
			{ID: 0, Name: "input", Kind: KindInput, Backend: "CpuRef", Output: TensorInfo{Shape: NewShape(1, 2)}},
			{ID: 1, Name: "weights", Kind: KindConstant, Backend: "CpuRef", Output: TensorInfo{Shape: NewShape(2, 2)}, Data: []float32{1, 2, 3, 4}},
			{ID: 2, Name: "fc", Kind: KindFullyConnected, Backend: "CpuRef", Inputs: []LayerID{0, 1}, Output: TensorInfo{Shape: NewShape(1, 2)}},
			{ID: 3, Name: "output", Kind: KindOutput, Backend: "CpuRef", Inputs: []LayerID{2}, Output: TensorInfo{Shape: NewShape(1, 2)}},
		},
		InputBindings:  map[BindingID]LayerID{0: 0},
		OutputBindings: map[BindingID]LayerID{1: 3},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, twoLayerGraph().Validate())

	duplicate := twoLayerGraph()
	duplicate.Layers[1].ID = 0
	assert.Error(t, duplicate.Validate())

	noBackend := twoLayerGraph()
	noBackend.Layers[2].Backend = ""
	assert.Error(t, noBackend.Validate())

	forwardEdge := twoLayerGraph()
	forwardEdge.Layers[0].Inputs = []LayerID{2}
	assert.Error(t, forwardEdge.Validate())

	badConstant := twoLayerGraph()
	badConstant.Layers[1].Data = []float32{1}
	assert.Error(t, badConstant.Validate())

	badBinding := twoLayerGraph()
	badBinding.InputBindings[0] = 2
	assert.Error(t, badBinding.Validate())

	missingBinding := twoLayerGraph()
	missingBinding.OutputBindings[9] = 42
	assert.Error(t, missingBinding.Validate())

	danglingCompute := twoLayerGraph()
	danglingCompute.Layers[2].Inputs = nil
	assert.ErrorContains(t, danglingCompute.Validate(), "must consume at least one layer")

	consumingConstant := twoLayerGraph()
	consumingConstant.Layers[1].Inputs = []LayerID{0}
	assert.ErrorContains(t, consumingConstant.Validate(), "cannot consume other layers")
}

func TestBindingLookups(t *testing.T) {
	g := twoLayerGraph()

	info, err := g.InputInfo(0)
	require.NoError(t, err)
	assert.True(t, info.Shape.Equal(NewShape(1, 2)))

	info, err = g.OutputInfo(1)
	require.NoError(t, err)
	assert.True(t, info.Shape.Equal(NewShape(1, 2)))

	_, err = g.InputInfo(7)
	assert.ErrorContains(t, err, "unknown input binding id 7")
	_, err = g.OutputInfo(7)
	assert.ErrorContains(t, err, "unknown output binding id 7")
}

func TestShape(t *testing.T) {
	s := NewShape(2, 3, 4)
	assert.Equal(t, int64(24), s.NumElements())
	assert.True(t, s.Equal(NewShape(2, 3, 4)))
	assert.False(t, s.Equal(NewShape(2, 3)))
	assert.False(t, s.Equal(NewShape(2, 3, 5)))
	assert.Equal(t, "[2 3 4]", s.String())
}

func TestBackends(t *testing.T) {
	g := twoLayerGraph()
	g.Layers[1].Backend = "GpuAcc"
	assert.Equal(t, []string{"CpuRef", "GpuAcc"}, g.Backends())
}

func TestJSONRoundTrip(t *testing.T) {
	g := twoLayerGraph()
	g.Layers[2].Params = Params{"function": "relu"}

	encoded, err := g.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Layers, 4)
	assert.Equal(t, g.Layers[2].Params, decoded.Layers[2].Params)
	assert.Equal(t, g.Layers[1].Data, decoded.Layers[1].Data)
	assert.Equal(t, g.InputBindings, decoded.InputBindings)
	assert.Equal(t, g.OutputBindings, decoded.OutputBindings)
}

func TestFromJSONRejectsUnknownKind(t *testing.T) {
	_, err := FromJSON([]byte(`{"layers": [{"id": 0, "name": "x", "kind": "Convolution", "backend": "CpuRef", "shape": [1]}]}`))
	assert.ErrorContains(t, err, "unknown kind")
}
