package loadnet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
	"github.com/knights-analytics/loadnet/options"
	"github.com/knights-analytics/loadnet/refbackend"
	"github.com/knights-analytics/loadnet/telemetry"
)

// fcGraph is the canonical test network: a constant-weight fully connected
// layer with bias, binding 0 = input, binding 1 = output.
//
//	y = x * [[1, 2], [3, 4]] + [0.5, -0.5]
func fcGraph() *graph.CompiledGraph {
	return &graph.CompiledGraph{
		Layers: []graph.Layer{
			{ID: 0, Name: "input", Kind: graph.KindInput, Backend: refbackend.BackendID, Output: graph.TensorInfo{Shape: graph.NewShape(1, 2), Type: graph.Float32}},
			{ID: 1, Name: "weights", Kind: graph.KindConstant, Backend: refbackend.BackendID, Output: graph.TensorInfo{Shape: graph.NewShape(2, 2), Type: graph.Float32}, Data: []float32{1, 2, 3, 4}},
			{ID: 2, Name: "bias", Kind: graph.KindConstant, Backend: refbackend.BackendID, Output: graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}, Data: []float32{0.5, -0.5}},
			{ID: 3, Name: "fc", Kind: graph.KindFullyConnected, Backend: refbackend.BackendID, Inputs: []graph.LayerID{0, 1, 2}, Output: graph.TensorInfo{Shape: graph.NewShape(1, 2), Type: graph.Float32}},
			{ID: 4, Name: "output", Kind: graph.KindOutput, Backend: refbackend.BackendID, Inputs: []graph.LayerID{3}, Output: graph.TensorInfo{Shape: graph.NewShape(1, 2), Type: graph.Float32}},
		},
		InputBindings:  map[graph.BindingID]graph.LayerID{0: 0},
		OutputBindings: map[graph.BindingID]graph.LayerID{1: 4},
	}
}

func refRegistry(t *testing.T) *backends.Registry {
	t.Helper()
	registry := backends.NewRegistry()
	require.NoError(t, refbackend.Register(registry))
	return registry
}

func loadFcNetwork(t *testing.T, opts ...options.WithOption) *LoadedNetwork {
	t.Helper()
	network, err := Load(fcGraph(), refRegistry(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = network.Destroy() })
	return network
}

func inputTensor(data []float32) Tensor {
	return Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(1, 2), Type: graph.Float32}, Data: data}
}

func outputTensor() Tensor {
	return Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(1, 2), Type: graph.Float32}, Data: make([]float32, 2)}
}

func TestEnqueueWorkload(t *testing.T) {
	network := loadFcNetwork(t)

	out := outputTensor()
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: out},
	))
	assert.Equal(t, []float32{7.5, 9.5}, out.Data)

	// Repeated execution against the same shared working memory.
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{0.5, -1})},
		OutputTensors{1: out},
	))
	assert.Equal(t, []float32{-2, -3.5}, out.Data)
}

func TestUnknownBindingExecutesNothing(t *testing.T) {
	network := loadFcNetwork(t)

	var computeRuns int
	network.RegisterDebugCallback(func(graph.LayerID, []float32) { computeRuns++ })

	err := network.EnqueueWorkload(
		InputTensors{2: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	)
	var bindingErr *BindingError
	require.ErrorAs(t, err, &bindingErr)
	assert.Equal(t, graph.BindingID(2), bindingErr.Binding)
	assert.Equal(t, 0, computeRuns, "no workload may run after a binding error")

	// The network stays usable.
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
}

func TestBindingValidation(t *testing.T) {
	network := loadFcNetwork(t)
	var bindingErr *BindingError

	// Missing input.
	err := network.EnqueueWorkload(InputTensors{}, OutputTensors{1: outputTensor()})
	require.ErrorAs(t, err, &bindingErr)

	// Shape mismatch.
	bad := Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(1, 3), Type: graph.Float32}, Data: make([]float32, 3)}
	err = network.EnqueueWorkload(InputTensors{0: bad}, OutputTensors{1: outputTensor()})
	require.ErrorAs(t, err, &bindingErr)
	assert.Contains(t, bindingErr.Reason, "does not match expected")

	// Unknown output binding.
	err = network.EnqueueWorkload(InputTensors{0: inputTensor([]float32{1, 2})}, OutputTensors{9: outputTensor()})
	require.ErrorAs(t, err, &bindingErr)
	assert.Equal(t, graph.BindingID(9), bindingErr.Binding)
}

func TestExecuteMatchesEnqueue(t *testing.T) {
	network := loadFcNetwork(t)

	enqueued := outputTensor()
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: enqueued},
	))

	handle, err := network.CreateWorkingMemHandle()
	require.NoError(t, err)
	defer handle.Free()

	executed := outputTensor()
	require.NoError(t, network.Execute(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: executed},
		handle, nil, nil,
	))
	assert.Equal(t, enqueued.Data, executed.Data)
}

func TestConstantsPrecomputedOnce(t *testing.T) {
	g := fcGraph()
	registry := refRegistry(t)
	network, err := Load(g, registry)
	require.NoError(t, err)
	defer network.Destroy()

	// Mutating the source graph after load must not change results.
	g.Layers[1].Data[0] = 1000
	g.Layers[2].Data[1] = 1000

	out := outputTensor()
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: out},
	))
	assert.Equal(t, []float32{7.5, 9.5}, out.Data)
}

func TestFreeWorkingMemoryIdempotent(t *testing.T) {
	network := loadFcNetwork(t)

	// Not yet allocated: both calls are no-ops.
	require.NoError(t, network.FreeWorkingMemory())
	require.NoError(t, network.FreeWorkingMemory())

	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	require.NoError(t, network.FreeWorkingMemory())
	require.NoError(t, network.FreeWorkingMemory())

	// The next enqueue reallocates lazily.
	out := outputTensor()
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: out},
	))
	assert.Equal(t, []float32{7.5, 9.5}, out.Data)
}

func TestLoadRejectsComputeLayerWithoutInputs(t *testing.T) {
	shape := graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}
	g := &graph.CompiledGraph{
		Layers: []graph.Layer{
			{ID: 0, Name: "input", Kind: graph.KindInput, Backend: refbackend.BackendID, Output: shape},
			{ID: 1, Name: "relu", Kind: graph.KindActivation, Backend: refbackend.BackendID, Params: graph.Params{"function": "relu"}, Output: shape},
			{ID: 2, Name: "output", Kind: graph.KindOutput, Backend: refbackend.BackendID, Inputs: []graph.LayerID{1}, Output: shape},
		},
		InputBindings:  map[graph.BindingID]graph.LayerID{0: 0},
		OutputBindings: map[graph.BindingID]graph.LayerID{1: 2},
	}

	// The dangling activation layer must be rejected at load time, long
	// before any workload could dereference its missing input.
	_, err := Load(g, refRegistry(t))
	assert.ErrorContains(t, err, "must consume at least one layer")
}

func TestExternallyManagedMemorySkipsManager(t *testing.T) {
	managed := newFakeBackend("Fake", backends.Capabilities{})
	managed.manager = &fakeMemoryManager{}

	registry := backends.NewRegistry()
	require.NoError(t, registry.Register("Fake", func() (backends.Backend, error) { return managed, nil }))
	network, err := Load(fakeGraph("Fake"), registry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), managed.manager.acquires.Load())
	require.NoError(t, network.Destroy())
	assert.Equal(t, int64(1), managed.manager.releases.Load())

	external := newFakeBackend("Fake", backends.Capabilities{backends.CapExternallyManagedMemory: true})
	external.manager = &fakeMemoryManager{}

	registry = backends.NewRegistry()
	require.NoError(t, registry.Register("Fake", func() (backends.Backend, error) { return external, nil }))
	network, err = Load(fakeGraph("Fake"), registry)
	require.NoError(t, err)
	require.NoError(t, network.Destroy())
	assert.Equal(t, int64(0), external.manager.acquires.Load())
	assert.Equal(t, int64(0), external.manager.releases.Load())
}

func TestLoadFailsOnUnknownBackend(t *testing.T) {
	g := fcGraph()
	g.Layers[3].Backend = "GpuAcc"
	_, err := Load(g, refRegistry(t))
	assert.ErrorContains(t, err, "not registered")
}

func TestLoadFailsOnInvalidGraph(t *testing.T) {
	g := fcGraph()
	g.Layers[3].Inputs = []graph.LayerID{0, 1} // fc without bias is fine...
	g.Layers[3].Kind = graph.LayerKind(42)     // ...an unknown kind is not
	_, err := Load(g, refRegistry(t))
	assert.ErrorContains(t, err, "does not support")
}

func TestTensorInfoAccessors(t *testing.T) {
	network := loadFcNetwork(t)

	info, err := network.GetInputTensorInfo(0)
	require.NoError(t, err)
	assert.True(t, info.Shape.Equal(graph.NewShape(1, 2)))

	info, err = network.GetOutputTensorInfo(1)
	require.NoError(t, err)
	assert.True(t, info.Shape.Equal(graph.NewShape(1, 2)))

	_, err = network.GetInputTensorInfo(5)
	assert.Error(t, err)

	assert.Equal(t, []graph.BindingID{0}, network.InputBindings())
	assert.Equal(t, []graph.BindingID{1}, network.OutputBindings())
	assert.NotEmpty(t, network.NetworkGUID())
}

func TestDebugCallback(t *testing.T) {
	network := loadFcNetwork(t)

	var observed [][]float32
	network.RegisterDebugCallback(func(layer graph.LayerID, data []float32) {
		values := make([]float32, len(data))
		copy(values, data)
		observed = append(observed, values)
	})

	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	require.Len(t, observed, 1, "one compute workload in the graph")
	assert.Equal(t, []float32{7.5, 9.5}, observed[0])

	network.RegisterDebugCallback(nil)
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	assert.Len(t, observed, 1)
}

func TestTelemetryOrdering(t *testing.T) {
	sink := &collectSink{}
	network := loadFcNetwork(t, options.WithTelemetrySink(sink), options.WithProfiling())

	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	network.SendNetworkStructure()

	assert.Equal(t, []telemetry.EventKind{
		telemetry.NetworkLoadStart,
		telemetry.NetworkLoadEnd,
		telemetry.InferenceStart,
		telemetry.WorkloadStart,
		telemetry.WorkloadEnd,
		telemetry.InferenceEnd,
		telemetry.NetworkStructure,
	}, sink.kinds())

	for _, event := range sink.events {
		assert.Equal(t, network.NetworkGUID(), event.NetworkID)
	}
}

func TestFatalExecutionError(t *testing.T) {
	backend := newFakeBackend("Fake", backends.Capabilities{})
	backend.factory.computeErr = errors.Join(backends.ErrFatal, errors.New("device lost"))

	registry := backends.NewRegistry()
	require.NoError(t, registry.Register("Fake", func() (backends.Backend, error) { return backend, nil }))

	network, err := Load(fakeGraph("Fake"), registry)
	require.NoError(t, err)
	defer network.Destroy()

	in := Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}, Data: []float32{1, 2}}
	out := Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}, Data: make([]float32, 2)}

	err = network.EnqueueWorkload(InputTensors{0: in}, OutputTensors{1: out})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, graph.LayerID(1), execErr.Layer)

	// The network is unusable after a fatal failure.
	err = network.EnqueueWorkload(InputTensors{0: in}, OutputTensors{1: out})
	assert.ErrorIs(t, err, ErrNetworkUnusable)
	_, err = network.CreateWorkingMemHandle()
	assert.ErrorIs(t, err, ErrNetworkUnusable)
}

func TestRecoverableExecutionError(t *testing.T) {
	backend := newFakeBackend("Fake", backends.Capabilities{})
	backend.factory.computeErr = errors.New("transient scratch exhaustion")

	registry := backends.NewRegistry()
	require.NoError(t, registry.Register("Fake", func() (backends.Backend, error) { return backend, nil }))

	network, err := Load(fakeGraph("Fake"), registry)
	require.NoError(t, err)
	defer network.Destroy()

	in := Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}, Data: []float32{1, 2}}
	out := Tensor{Info: graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}, Data: make([]float32, 2)}

	err = network.EnqueueWorkload(InputTensors{0: in}, OutputTensors{1: out})
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	// Retry succeeds once the backend recovers.
	backend.factory.computeErr = nil
	require.NoError(t, network.EnqueueWorkload(InputTensors{0: in}, OutputTensors{1: out}))
	assert.Equal(t, []float32{-1, -2}, out.Data)
}

func TestDestroy(t *testing.T) {
	network, err := Load(fcGraph(), refRegistry(t))
	require.NoError(t, err)

	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	require.NoError(t, network.Destroy())
	require.NoError(t, network.Destroy()) // idempotent

	err = network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	)
	assert.ErrorIs(t, err, ErrNetworkUnusable)
}

func TestGetStats(t *testing.T) {
	network := loadFcNetwork(t)
	require.NoError(t, network.EnqueueWorkload(
		InputTensors{0: inputTensor([]float32{1, 2})},
		OutputTensors{1: outputTensor()},
	))
	stats := network.GetStats()
	require.Len(t, stats, 4)
	assert.Contains(t, stats[1], "Total inference calls: 1")
}
