// Package backends defines the contract between the loadnet engine and the
// compute backends that execute graph layers. A backend owns a workload
// factory, optionally a memory manager for pooled tensor allocation, and
// optionally an import factory for wrapping caller memory without a copy.
package backends

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/loadnet/graph"
)

// MemorySource is a bitmask of the memory sources a tensor handle accepts
// for zero-copy import.
type MemorySource uint32

const (
	// MemoryUndefined means the handle accepts no imported memory.
	MemoryUndefined MemorySource = 0
	// MemoryMalloc is plain host memory.
	MemoryMalloc MemorySource = 1 << iota
	// MemoryDmaBuf is device-mapped buffer memory.
	MemoryDmaBuf
	// MemoryDmaBufProtected is protected device-mapped buffer memory.
	MemoryDmaBufProtected
)

// Has reports whether all sources in other are included in s.
func (s MemorySource) Has(other MemorySource) bool {
	return s&other == other
}

func (s MemorySource) String() string {
	if s == MemoryUndefined {
		return "Undefined"
	}
	var parts []string
	if s.Has(MemoryMalloc) {
		parts = append(parts, "Malloc")
	}
	if s.Has(MemoryDmaBuf) {
		parts = append(parts, "DmaBuf")
	}
	if s.Has(MemoryDmaBufProtected) {
		parts = append(parts, "DmaBufProtected")
	}
	return strings.Join(parts, "|")
}

// Capability names a boolean feature flag a backend may advertise.
type Capability string

const (
	// CapAsyncExecution marks backends safe for overlapped executions via
	// independent working-memory handles. CreateWorkingMemHandle refuses
	// networks touching a backend without it.
	CapAsyncExecution Capability = "AsyncExecution"
	// CapPreImportedTensors marks backends that accept pre-imported
	// input/output handles on the execute path.
	CapPreImportedTensors Capability = "PreImportedTensors"
	// CapExternallyManagedMemory marks backends whose tensor memory is
	// managed outside the engine; their MemoryManager is never acquired or
	// released by a loaded network.
	CapExternallyManagedMemory Capability = "ExternallyManagedMemory"
	// CapPerHandleWorkloads marks backends whose workloads carry internal
	// scratch state and therefore need a private workload instance per
	// working-memory handle.
	CapPerHandleWorkloads Capability = "PerHandleWorkloads"
)

// Capabilities is the capability descriptor returned by a backend.
type Capabilities map[Capability]bool

// Has reports whether the named capability is advertised as true.
func (c Capabilities) Has(capability Capability) bool {
	return c[capability]
}

// TensorHandle is an opaque device/host memory region backing one tensor.
// A handle is either backend-owned (Allocate/Free) or caller-imported
// (Import/Unimport); the two modes are mutually exclusive for one handle.
type TensorHandle interface {
	Info() graph.TensorInfo

	// Allocate materializes backend-owned storage. Idempotent.
	Allocate() error
	// Free releases backend-owned storage. Idempotent, and a no-op for
	// imported handles.
	Free() error

	// Data exposes the current storage for reading or writing. It returns
	// an error if the handle has been freed or unimported.
	Data() ([]float32, error)

	// Import points the handle at caller-owned memory without copying.
	Import(data []float32, source MemorySource) error
	// Unimport detaches caller-owned memory. Any workload still referencing
	// the handle becomes invalid.
	Unimport() error
}

// Workload is an opaque executable unit bound to one graph layer. Compute
// workloads must be immutable during Execute so one instance can be shared
// across concurrent working-memory handles; per-execution state is passed
// in through the input and output handles. Backends that cannot meet this
// must advertise CapPerHandleWorkloads.
type Workload interface {
	// Execute runs the layer against the given handles. The handle slices
	// follow the layer's input slot order; outputs has exactly one entry
	// for the layers currently defined.
	Execute(inputs []TensorHandle, outputs []TensorHandle) error
}

// WorkloadFactory produces workloads and tensor handles for one backend.
type WorkloadFactory interface {
	// CreateWorkload builds the executable unit for one layer, validating
	// the layer kind, parameters and input shapes eagerly. The inputs slice
	// carries the tensor infos of the layer's inputs in slot order.
	CreateWorkload(layer *graph.Layer, inputs []graph.TensorInfo) (Workload, error)
	// CreateTensorHandle builds a backend-owned handle for the given tensor,
	// carving from the backend's memory manager when one exists. The handle
	// is not allocated until Allocate is called.
	CreateTensorHandle(info graph.TensorInfo) (TensorHandle, error)
}

// ImportFactory wraps caller-provided memory as a tensor handle without
// copying. Backends that cannot guarantee zero-copy for a request must
// reject it rather than silently allocating managed memory.
type ImportFactory interface {
	// SupportedSources returns the memory sources this factory can wrap.
	SupportedSources() MemorySource
	// CreateImported validates the source and wraps data directly.
	CreateImported(info graph.TensorInfo, data []float32, source MemorySource) (TensorHandle, error)
}

// MemoryManager owns the pool backend-allocated tensor handles are carved
// from. Acquire must be called before the first handle allocation; Release
// returns the pool and is idempotent.
type MemoryManager interface {
	Acquire() error
	Release() error
}

// Backend is one registered compute backend.
type Backend interface {
	// ID returns the stable backend identifier layers are assigned to.
	ID() string
	// Capabilities returns the backend's feature flags.
	Capabilities() Capabilities
	// WorkloadFactory returns the backend's workload factory.
	WorkloadFactory() WorkloadFactory
	// MemoryManager returns the backend's memory manager, or nil when the
	// backend does not use engine-managed pooled memory.
	MemoryManager() MemoryManager
	// ImportFactory returns the backend's import-capable tensor handle
	// factory, or nil when zero-copy import is unsupported.
	ImportFactory() ImportFactory
}

// ErrFatal marks backend failures the backend cannot recover from. A
// workload error wrapping ErrFatal renders the loaded network unusable; the
// caller must reload. Anything else is reported as recoverable.
var ErrFatal = errors.New("fatal backend failure")

// UnsupportedKindError is returned by workload factories for layer kinds the
// backend does not implement.
type UnsupportedKindError struct {
	Backend string
	Kind    graph.LayerKind
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("backend %s does not support %s layers", e.Backend, e.Kind)
}
