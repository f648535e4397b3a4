// Package refbackend implements the CPU reference backend. It executes
// layers with plain gorgonia tensor math and tracks every allocation through
// a countable memory manager, which makes it the backend of choice for tests
// and for machines without accelerator support.
package refbackend

import (
	"github.com/knights-analytics/loadnet/backends"
)

// BackendID is the id reference-backend layers are assigned to by the
// compiler.
const BackendID = "CpuRef"

type RefBackend struct {
	memoryManager *RefMemoryManager
	factory       *RefWorkloadFactory
	importFactory *RefImportFactory
}

// New returns a fresh reference backend instance with its own memory
// manager.
func New() *RefBackend {
	manager := NewRefMemoryManager()
	return &RefBackend{
		memoryManager: manager,
		factory:       &RefWorkloadFactory{memoryManager: manager},
		importFactory: &RefImportFactory{},
	}
}

// Register adds the reference backend to the given registry.
func Register(registry *backends.Registry) error {
	return registry.Register(BackendID, func() (backends.Backend, error) {
		return New(), nil
	})
}

func (b *RefBackend) ID() string {
	return BackendID
}

func (b *RefBackend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		backends.CapAsyncExecution:     true,
		backends.CapPreImportedTensors: true,
	}
}

func (b *RefBackend) WorkloadFactory() backends.WorkloadFactory {
	return b.factory
}

func (b *RefBackend) MemoryManager() backends.MemoryManager {
	return b.memoryManager
}

func (b *RefBackend) ImportFactory() backends.ImportFactory {
	return b.importFactory
}
