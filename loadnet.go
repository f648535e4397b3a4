// Package loadnet executes compiled computation graphs. A compiled graph
// with resolved backend assignments is loaded once; the resulting
// LoadedNetwork materializes per-backend workloads, owns the backing tensor
// memory, precomputes constant layers, and then drives repeated executions
// against varying input tensors, either on the caller-serialized enqueue
// path or concurrently through independent working-memory handles.
package loadnet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
	"github.com/knights-analytics/loadnet/options"
	"github.com/knights-analytics/loadnet/telemetry"
)

// slotRef locates the tensor handle a workload reads or writes: either an
// entry of the shared constant table or a working-memory slot owned by the
// executing caller.
type slotRef struct {
	constant bool
	index    int
}

type inputEntry struct {
	binding  graph.BindingID
	layer    *graph.Layer
	workload backends.Workload
	slot     slotRef
}

type outputEntry struct {
	binding  graph.BindingID
	layer    *graph.Layer
	workload backends.Workload
	source   slotRef
}

type computeEntry struct {
	index    int
	layer    *graph.Layer
	workload backends.Workload
	inputs   []slotRef
	output   slotRef
	// inputInfos is kept so backends that need per-handle workloads can
	// recreate this entry's workload for each working-memory handle.
	inputInfos []graph.TensorInfo
}

// slotSpec describes one working-memory slot so handles can be allocated
// per caller: the tensor info plus the backend that owns the producing
// layer.
type slotSpec struct {
	info    graph.TensorInfo
	backend string
}

// DebugCallback observes the output of every compute workload right after
// it executes. The data slice is only valid for the duration of the call.
type DebugCallback func(layer graph.LayerID, data []float32)

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// LoadedNetwork is a compiled graph bound to instantiated backends and ready
// for execution. Constant tensors and the workload plan are immutable after
// Load and shared by every execution; all mutable per-execution state lives
// in working-memory slots owned by the caller.
type LoadedNetwork struct {
	graph     *graph.CompiledGraph
	networkID string
	opts      *options.Options

	backends       map[string]backends.Backend
	memoryManagers []backends.MemoryManager

	inputQueue   []inputEntry
	computeQueue []computeEntry
	outputQueue  []outputEntry

	slotSpecs         []slotSpec
	constants         []backends.TensorHandle
	constantWorkloads []backends.Workload

	// Shared working memory for the enqueue path. The mutex guards only the
	// lazy allocation; execution on this path is caller-serialized.
	workingMemMu        sync.Mutex
	sharedSlots         []backends.TensorHandle
	workingMemAllocated bool

	pins pinTable

	handlesMu sync.Mutex
	handles   map[*WorkingMemHandle]struct{}

	debugMu       sync.RWMutex
	debugCallback DebugCallback

	inferenceTimings timings

	unusable  atomic.Bool
	destroyed atomic.Bool
}

// Load wires a compiled graph to the backends in registry and returns a
// ready LoadedNetwork, or an error without partially acquired backend state.
// The graph must not be mutated by the caller afterwards.
func Load(g *graph.CompiledGraph, registry *backends.Registry, opts ...options.WithOption) (*LoadedNetwork, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compiled graph: %w", err)
	}

	network := &LoadedNetwork{
		graph:     g,
		networkID: uuid.NewString(),
		opts:      parsedOptions,
		backends:  map[string]backends.Backend{},
		handles:   map[*WorkingMemHandle]struct{}{},
		pins:      newPinTable(),
	}
	network.emit(telemetry.Event{Kind: telemetry.NetworkLoadStart, NetworkID: network.networkID, Timestamp: time.Now()})

	if err := network.instantiateBackends(registry); err != nil {
		network.releaseMemoryManagers()
		return nil, err
	}
	if err := network.buildPlan(); err != nil {
		network.releaseMemoryManagers()
		return nil, err
	}
	if err := network.executeConstantWorkloads(); err != nil {
		network.freeConstants()
		network.releaseMemoryManagers()
		return nil, err
	}

	network.emit(telemetry.Event{Kind: telemetry.NetworkLoadEnd, NetworkID: network.networkID, Timestamp: time.Now()})
	parsedOptions.Logger.Info().
		Str("networkId", network.networkID).
		Int("layers", len(g.Layers)).
		Int("backends", len(network.backends)).
		Msg("loaded network")
	return network, nil
}

func (n *LoadedNetwork) instantiateBackends(registry *backends.Registry) error {
	for _, id := range n.graph.Backends() {
		backend, err := registry.Instantiate(id)
		if err != nil {
			return err
		}
		n.backends[id] = backend
		if backend.Capabilities().Has(backends.CapExternallyManagedMemory) {
			continue
		}
		if manager := backend.MemoryManager(); manager != nil {
			if acquireErr := manager.Acquire(); acquireErr != nil {
				return fmt.Errorf("backend %s: cannot acquire memory manager: %w", id, acquireErr)
			}
			n.memoryManagers = append(n.memoryManagers, manager)
		}
	}
	return nil
}

// buildPlan walks the graph in dependency order, assigns every non-constant
// layer output a working-memory slot, creates one workload per layer and
// partitions them into the input, compute and output phases. Constant layers
// get shared handles in the constant table instead of slots.
func (n *LoadedNetwork) buildPlan() error {
	layerSlots := map[graph.LayerID]slotRef{}
	constIndex := map[graph.LayerID]int{}

	for i := range n.graph.Layers {
		layer := &n.graph.Layers[i]
		backend, ok := n.backends[layer.Backend]
		if !ok {
			return fmt.Errorf("layer %d (%s) assigned to uninstantiated backend %s", layer.ID, layer.Name, layer.Backend)
		}
		factory := backend.WorkloadFactory()

		switch layer.Kind {
		case graph.KindConstant:
			handle, err := factory.CreateTensorHandle(layer.Output)
			if err != nil {
				return fmt.Errorf("constant layer %s: %w", layer.Name, err)
			}
			workload, err := factory.CreateWorkload(layer, nil)
			if err != nil {
				return fmt.Errorf("constant layer %s: %w", layer.Name, err)
			}
			constIndex[layer.ID] = len(n.constants)
			layerSlots[layer.ID] = slotRef{constant: true, index: len(n.constants)}
			n.constants = append(n.constants, handle)
			n.constantWorkloads = append(n.constantWorkloads, workload)

		case graph.KindInput:
			workload, err := factory.CreateWorkload(layer, []graph.TensorInfo{layer.Output})
			if err != nil {
				return fmt.Errorf("input layer %s: %w", layer.Name, err)
			}
			slot := n.addSlot(layer)
			layerSlots[layer.ID] = slot
			n.inputQueue = append(n.inputQueue, inputEntry{layer: layer, workload: workload, slot: slot})

		case graph.KindOutput:
			if len(layer.Inputs) != 1 {
				return fmt.Errorf("output layer %s must have exactly one input", layer.Name)
			}
			source, ok := layerSlots[layer.Inputs[0]]
			if !ok {
				return fmt.Errorf("output layer %s consumes unknown layer %d", layer.Name, layer.Inputs[0])
			}
			workload, err := factory.CreateWorkload(layer, []graph.TensorInfo{layer.Output})
			if err != nil {
				return fmt.Errorf("output layer %s: %w", layer.Name, err)
			}
			n.outputQueue = append(n.outputQueue, outputEntry{layer: layer, workload: workload, source: source})

		default:
			inputInfos := make([]graph.TensorInfo, 0, len(layer.Inputs))
			inputRefs := make([]slotRef, 0, len(layer.Inputs))
			for _, inputID := range layer.Inputs {
				ref, ok := layerSlots[inputID]
				if !ok {
					return fmt.Errorf("layer %s consumes unknown layer %d", layer.Name, inputID)
				}
				inputLayer, err := n.graph.Layer(inputID)
				if err != nil {
					return err
				}
				inputInfos = append(inputInfos, inputLayer.Output)
				inputRefs = append(inputRefs, ref)
			}
			workload, err := factory.CreateWorkload(layer, inputInfos)
			if err != nil {
				return fmt.Errorf("layer %s: %w", layer.Name, err)
			}
			slot := n.addSlot(layer)
			layerSlots[layer.ID] = slot
			n.computeQueue = append(n.computeQueue, computeEntry{
				index:      len(n.computeQueue),
				layer:      layer,
				workload:   workload,
				inputs:     inputRefs,
				output:     slot,
				inputInfos: inputInfos,
			})
		}
	}

	// Attach binding ids to the input and output entries, in ascending
	// binding order.
	inputBindings := maps.Keys(n.graph.InputBindings)
	slices.Sort(inputBindings)
	bindingByLayer := map[graph.LayerID]graph.BindingID{}
	for _, binding := range inputBindings {
		bindingByLayer[n.graph.InputBindings[binding]] = binding
	}
	for i := range n.inputQueue {
		binding, ok := bindingByLayer[n.inputQueue[i].layer.ID]
		if !ok {
			return fmt.Errorf("input layer %s has no binding id", n.inputQueue[i].layer.Name)
		}
		n.inputQueue[i].binding = binding
	}
	slices.SortFunc(n.inputQueue, func(a, b inputEntry) int { return int(a.binding - b.binding) })

	outputBindings := maps.Keys(n.graph.OutputBindings)
	slices.Sort(outputBindings)
	outBindingByLayer := map[graph.LayerID]graph.BindingID{}
	for _, binding := range outputBindings {
		outBindingByLayer[n.graph.OutputBindings[binding]] = binding
	}
	for i := range n.outputQueue {
		binding, ok := outBindingByLayer[n.outputQueue[i].layer.ID]
		if !ok {
			return fmt.Errorf("output layer %s has no binding id", n.outputQueue[i].layer.Name)
		}
		n.outputQueue[i].binding = binding
	}
	slices.SortFunc(n.outputQueue, func(a, b outputEntry) int { return int(a.binding - b.binding) })

	return nil
}

func (n *LoadedNetwork) addSlot(layer *graph.Layer) slotRef {
	n.slotSpecs = append(n.slotSpecs, slotSpec{info: layer.Output, backend: layer.Backend})
	return slotRef{index: len(n.slotSpecs) - 1}
}

// executeConstantWorkloads materializes every constant tensor exactly once.
// It runs during Load, before any external execution is accepted.
func (n *LoadedNetwork) executeConstantWorkloads() error {
	for i, handle := range n.constants {
		if err := handle.Allocate(); err != nil {
			return fmt.Errorf("cannot allocate constant tensor: %w", err)
		}
		if err := n.constantWorkloads[i].Execute(nil, []backends.TensorHandle{handle}); err != nil {
			return fmt.Errorf("constant workload failed: %w", err)
		}
	}
	return nil
}

func (n *LoadedNetwork) freeConstants() {
	for _, handle := range n.constants {
		_ = handle.Free()
	}
}

func (n *LoadedNetwork) releaseMemoryManagers() {
	for _, manager := range n.memoryManagers {
		_ = manager.Release()
	}
}

func (n *LoadedNetwork) emit(event telemetry.Event) {
	n.opts.TelemetrySink.Emit(event)
}

// NetworkGUID returns the globally unique identifier keying this network's
// telemetry events.
func (n *LoadedNetwork) NetworkGUID() string {
	return n.networkID
}

// InputBindings returns the graph's input binding ids in ascending order.
func (n *LoadedNetwork) InputBindings() []graph.BindingID {
	bindings := maps.Keys(n.graph.InputBindings)
	slices.Sort(bindings)
	return bindings
}

// OutputBindings returns the graph's output binding ids in ascending order.
func (n *LoadedNetwork) OutputBindings() []graph.BindingID {
	bindings := maps.Keys(n.graph.OutputBindings)
	slices.Sort(bindings)
	return bindings
}

// GetInputTensorInfo returns the tensor info expected at an input binding.
func (n *LoadedNetwork) GetInputTensorInfo(binding graph.BindingID) (graph.TensorInfo, error) {
	return n.graph.InputInfo(binding)
}

// GetOutputTensorInfo returns the tensor info produced at an output binding.
func (n *LoadedNetwork) GetOutputTensorInfo(binding graph.BindingID) (graph.TensorInfo, error) {
	return n.graph.OutputInfo(binding)
}

// RegisterDebugCallback installs a hook invoked with every compute
// workload's output. Pass nil to remove it.
func (n *LoadedNetwork) RegisterDebugCallback(callback DebugCallback) {
	n.debugMu.Lock()
	n.debugCallback = callback
	n.debugMu.Unlock()
}

// SendNetworkStructure emits a one-shot telemetry event describing every
// layer of the loaded graph, for timeline tooling that wants to label
// per-workload events.
func (n *LoadedNetwork) SendNetworkStructure() {
	type layerDescription struct {
		ID      int    `json:"id"`
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Backend string `json:"backend"`
	}
	descriptions := make([]layerDescription, 0, len(n.graph.Layers))
	for i := range n.graph.Layers {
		layer := &n.graph.Layers[i]
		descriptions = append(descriptions, layerDescription{
			ID:      int(layer.ID),
			Name:    layer.Name,
			Kind:    layer.Kind.String(),
			Backend: layer.Backend,
		})
	}
	n.emit(telemetry.Event{
		Kind:      telemetry.NetworkStructure,
		NetworkID: n.networkID,
		Timestamp: time.Now(),
		Detail:    descriptions,
	})
}

// GetStats returns formatted execution statistics.
func (n *LoadedNetwork) GetStats() []string {
	calls := atomic.LoadUint64(&n.inferenceTimings.NumCalls)
	total := atomic.LoadUint64(&n.inferenceTimings.TotalNS)
	average := time.Duration(0)
	if calls > 0 {
		average = time.Duration(total / calls)
	}
	return []string{
		fmt.Sprintf("Network %s statistics:", n.networkID),
		fmt.Sprintf("Total inference calls: %d", calls),
		fmt.Sprintf("Total inference time: %s", time.Duration(total)),
		fmt.Sprintf("Average inference time: %s", average),
	}
}

// AllocateWorkingMemory materializes the shared working-memory slots used by
// the enqueue path. Called lazily on the first EnqueueWorkload; the mutex
// guards only the allocation race, not execution.
func (n *LoadedNetwork) allocateWorkingMemory() error {
	n.workingMemMu.Lock()
	defer n.workingMemMu.Unlock()
	if n.workingMemAllocated {
		return nil
	}
	slots, err := n.allocateSlots()
	if err != nil {
		return err
	}
	n.sharedSlots = slots
	n.workingMemAllocated = true
	return nil
}

// allocateSlots creates and allocates one tensor handle per working-memory
// slot, freeing everything already allocated when one allocation fails.
func (n *LoadedNetwork) allocateSlots() ([]backends.TensorHandle, error) {
	slots := make([]backends.TensorHandle, len(n.slotSpecs))
	for i, spec := range n.slotSpecs {
		backend := n.backends[spec.backend]
		handle, err := backend.WorkloadFactory().CreateTensorHandle(spec.info)
		if err == nil {
			err = handle.Allocate()
		}
		if err != nil {
			for _, allocated := range slots[:i] {
				_ = allocated.Free()
			}
			return nil, fmt.Errorf("cannot allocate working memory slot %d: %w", i, err)
		}
		slots[i] = handle
	}
	return slots, nil
}

// FreeWorkingMemory releases the shared working-memory pool if it has been
// allocated. Idempotent. Must not be called while an enqueue execution is in
// flight.
func (n *LoadedNetwork) FreeWorkingMemory() error {
	n.workingMemMu.Lock()
	defer n.workingMemMu.Unlock()
	if !n.workingMemAllocated {
		return nil
	}
	var err error
	for _, handle := range n.sharedSlots {
		err = errors.Join(err, handle.Free())
	}
	n.sharedSlots = nil
	n.workingMemAllocated = false
	return err
}

// Destroy tears the network down: shared working memory, outstanding
// working-memory handles, import pins, constant tensors, and backend memory
// managers, in that order. The network is unusable afterwards.
func (n *LoadedNetwork) Destroy() error {
	if !n.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	n.unusable.Store(true)

	err := n.FreeWorkingMemory()

	n.handlesMu.Lock()
	liveHandles := maps.Keys(n.handles)
	n.handlesMu.Unlock()
	for _, handle := range liveHandles {
		err = errors.Join(err, handle.Free())
	}

	err = errors.Join(err, n.pins.clearAll())
	n.freeConstants()
	for _, manager := range n.memoryManagers {
		err = errors.Join(err, manager.Release())
	}
	err = errors.Join(err, n.opts.Destroy())

	n.emit(telemetry.Event{Kind: telemetry.NetworkUnload, NetworkID: n.networkID, Timestamp: time.Now()})
	n.opts.Logger.Info().Str("networkId", n.networkID).Msg("destroyed network")
	return err
}
