package loadnet

import (
	"fmt"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
)

// Tensor is a caller-owned host tensor handed to the engine at an input or
// output binding. The engine never takes ownership of Data.
type Tensor struct {
	Info graph.TensorInfo
	Data []float32
}

// InputTensors maps input binding ids to the caller tensors to read from.
type InputTensors map[graph.BindingID]Tensor

// OutputTensors maps output binding ids to the caller tensors to write into.
type OutputTensors map[graph.BindingID]Tensor

// hostTensorHandle adapts a caller tensor to the backend handle interface so
// the binding-phase copy workloads can consume it. It owns nothing.
type hostTensorHandle struct {
	info graph.TensorInfo
	data []float32
}

func newHostTensorHandle(t Tensor) *hostTensorHandle {
	return &hostTensorHandle{info: t.Info, data: t.Data}
}

func (h *hostTensorHandle) Info() graph.TensorInfo {
	return h.info
}

func (h *hostTensorHandle) Allocate() error {
	return nil
}

func (h *hostTensorHandle) Free() error {
	return nil
}

func (h *hostTensorHandle) Data() ([]float32, error) {
	if h.data == nil {
		return nil, fmt.Errorf("caller tensor has no data")
	}
	return h.data, nil
}

func (h *hostTensorHandle) Import([]float32, backends.MemorySource) error {
	return fmt.Errorf("caller tensors cannot be imported into")
}

func (h *hostTensorHandle) Unimport() error {
	return nil
}
