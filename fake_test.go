package loadnet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
	"github.com/knights-analytics/loadnet/telemetry"
)

// fakeBackend lets tests control capability flags, inject compute failures
// and block executions, without depending on the reference backend.
type fakeBackend struct {
	id      string
	caps    backends.Capabilities
	factory *fakeFactory
	manager *fakeMemoryManager
}

func newFakeBackend(id string, caps backends.Capabilities) *fakeBackend {
	return &fakeBackend{id: id, caps: caps, factory: &fakeFactory{}}
}

func (b *fakeBackend) ID() string                          { return b.id }
func (b *fakeBackend) Capabilities() backends.Capabilities { return b.caps }
func (b *fakeBackend) WorkloadFactory() backends.WorkloadFactory {
	return b.factory
}

func (b *fakeBackend) MemoryManager() backends.MemoryManager {
	if b.manager == nil {
		return nil
	}
	return b.manager
}

func (b *fakeBackend) ImportFactory() backends.ImportFactory { return nil }

type fakeMemoryManager struct {
	acquires atomic.Int64
	releases atomic.Int64
}

func (m *fakeMemoryManager) Acquire() error {
	m.acquires.Add(1)
	return nil
}

func (m *fakeMemoryManager) Release() error {
	m.releases.Add(1)
	return nil
}

type fakeFactory struct {
	computeErr    error
	blockCompute  chan struct{}
	workloadsMade atomic.Int64
	computeMade   atomic.Int64
	computeRuns   atomic.Int64
}

func (f *fakeFactory) CreateTensorHandle(info graph.TensorInfo) (backends.TensorHandle, error) {
	return &fakeHandle{info: info}, nil
}

func (f *fakeFactory) CreateWorkload(layer *graph.Layer, _ []graph.TensorInfo) (backends.Workload, error) {
	f.workloadsMade.Add(1)
	switch layer.Kind {
	case graph.KindInput, graph.KindOutput, graph.KindConstant:
		return &fakeCopyWorkload{data: layer.Data}, nil
	default:
		f.computeMade.Add(1)
		return &fakeComputeWorkload{factory: f}, nil
	}
}

// fakeCopyWorkload copies input to output, or writes its constant data when
// it has no inputs.
type fakeCopyWorkload struct {
	data []float32
}

func (w *fakeCopyWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		copy(dst, w.data)
		return nil
	}
	src, err := inputs[0].Data()
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// fakeComputeWorkload negates its input, optionally failing or blocking
// first.
type fakeComputeWorkload struct {
	factory *fakeFactory
}

func (w *fakeComputeWorkload) Execute(inputs []backends.TensorHandle, outputs []backends.TensorHandle) error {
	w.factory.computeRuns.Add(1)
	if w.factory.computeErr != nil {
		return w.factory.computeErr
	}
	if w.factory.blockCompute != nil {
		<-w.factory.blockCompute
	}
	src, err := inputs[0].Data()
	if err != nil {
		return err
	}
	dst, err := outputs[0].Data()
	if err != nil {
		return err
	}
	for i := range src {
		dst[i] = -src[i]
	}
	return nil
}

type fakeHandle struct {
	info      graph.TensorInfo
	data      []float32
	allocated bool
}

func (h *fakeHandle) Info() graph.TensorInfo { return h.info }

func (h *fakeHandle) Allocate() error {
	if !h.allocated {
		h.data = make([]float32, h.info.Shape.NumElements())
		h.allocated = true
	}
	return nil
}

func (h *fakeHandle) Free() error {
	h.data = nil
	h.allocated = false
	return nil
}

func (h *fakeHandle) Data() ([]float32, error) {
	if h.data == nil {
		return nil, fmt.Errorf("fake handle has no backing memory")
	}
	return h.data, nil
}

func (h *fakeHandle) Import(data []float32, _ backends.MemorySource) error {
	h.data = data
	return nil
}

func (h *fakeHandle) Unimport() error {
	h.data = nil
	return nil
}

// fakeGraph is a minimal three layer graph on the fake backend: input,
// negate, output. Binding 0 is the input, binding 1 the output.
func fakeGraph(backendID string) *graph.CompiledGraph {
	shape := graph.TensorInfo{Shape: graph.NewShape(2), Type: graph.Float32}
	return &graph.CompiledGraph{
		Layers: []graph.Layer{
			{ID: 0, Name: "input", Kind: graph.KindInput, Backend: backendID, Output: shape},
			{ID: 1, Name: "negate", Kind: graph.KindActivation, Backend: backendID, Inputs: []graph.LayerID{0}, Output: shape},
			{ID: 2, Name: "output", Kind: graph.KindOutput, Backend: backendID, Inputs: []graph.LayerID{1}, Output: shape},
		},
		InputBindings:  map[graph.BindingID]graph.LayerID{0: 0},
		OutputBindings: map[graph.BindingID]graph.LayerID{1: 2},
	}
}

// collectSink records events for assertions on ordering.
type collectSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *collectSink) Emit(event telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *collectSink) kinds() []telemetry.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]telemetry.EventKind, 0, len(s.events))
	for _, event := range s.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}
