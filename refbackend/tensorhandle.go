package refbackend

import (
	"fmt"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
)

// RefTensorHandle backs one tensor with host memory. A handle is either
// backend-owned (Allocate/Free, accounted by the memory manager) or imported
// (points directly at caller memory). The engine serializes access to one
// handle, so no locking happens here.
type RefTensorHandle struct {
	info      graph.TensorInfo
	manager   *RefMemoryManager
	data      []float32
	allocated bool
	imported  bool
}

func (h *RefTensorHandle) Info() graph.TensorInfo {
	return h.info
}

func (h *RefTensorHandle) Allocate() error {
	if h.imported {
		return fmt.Errorf("cannot allocate an imported tensor handle")
	}
	if h.allocated {
		return nil
	}
	if h.manager != nil {
		if err := h.manager.allocate(); err != nil {
			return err
		}
	}
	h.data = make([]float32, h.info.Shape.NumElements())
	h.allocated = true
	return nil
}

func (h *RefTensorHandle) Free() error {
	if !h.allocated {
		return nil
	}
	h.allocated = false
	h.data = nil
	if h.manager != nil {
		h.manager.free()
	}
	return nil
}

func (h *RefTensorHandle) Data() ([]float32, error) {
	if h.data == nil {
		return nil, fmt.Errorf("tensor handle has no backing memory")
	}
	return h.data, nil
}

func (h *RefTensorHandle) Import(data []float32, source backends.MemorySource) error {
	if h.allocated {
		return fmt.Errorf("cannot import into a backend-allocated tensor handle")
	}
	if !supportedImportSources.Has(source) {
		return fmt.Errorf("memory source %s is not supported by the reference backend", source)
	}
	if int64(len(data)) != h.info.Shape.NumElements() {
		return fmt.Errorf("imported memory holds %d elements, tensor shape %s requires %d", len(data), h.info.Shape, h.info.Shape.NumElements())
	}
	h.data = data
	h.imported = true
	return nil
}

func (h *RefTensorHandle) Unimport() error {
	if !h.imported {
		return nil
	}
	h.imported = false
	h.data = nil
	return nil
}

const supportedImportSources = backends.MemoryMalloc

// RefImportFactory wraps caller host memory as reference tensor handles.
// Only plain malloc memory is accepted; anything else must be rejected so
// the caller's zero-copy expectation is never silently downgraded to a copy.
type RefImportFactory struct{}

func (f *RefImportFactory) SupportedSources() backends.MemorySource {
	return supportedImportSources
}

func (f *RefImportFactory) CreateImported(info graph.TensorInfo, data []float32, source backends.MemorySource) (backends.TensorHandle, error) {
	if !f.SupportedSources().Has(source) {
		return nil, fmt.Errorf("memory source %s is not supported by the reference backend, supported sources: %s", source, f.SupportedSources())
	}
	handle := &RefTensorHandle{info: info}
	if err := handle.Import(data, source); err != nil {
		return nil, err
	}
	return handle, nil
}
