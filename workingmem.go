package loadnet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/knights-analytics/loadnet/backends"
)

// WorkingMemHandle owns a private set of tensor handles for every working
// memory slot of the network, plus private workload instances for backends
// that declared CapPerHandleWorkloads. Owning a handle is the unit of
// concurrency: as many overlapped executions as there are distinct handles
// may run in parallel, while one handle supports one execution at a time.
type WorkingMemHandle struct {
	network   *LoadedNetwork
	slots     []backends.TensorHandle
	overrides map[int]backends.Workload
	inFlight  atomic.Bool
	freed     atomic.Bool
}

// CreateWorkingMemHandle allocates a new private working-memory handle. Safe
// to call from multiple goroutines to obtain independent handles.
func (n *LoadedNetwork) CreateWorkingMemHandle() (*WorkingMemHandle, error) {
	if n.unusable.Load() {
		return nil, ErrNetworkUnusable
	}
	for id, backend := range n.backends {
		if !backend.Capabilities().Has(backends.CapAsyncExecution) {
			return nil, fmt.Errorf("backend %s does not support asynchronous execution, use EnqueueWorkload", id)
		}
	}
	slots, err := n.allocateSlots()
	if err != nil {
		return nil, err
	}

	handle := &WorkingMemHandle{network: n, slots: slots}
	for i := range n.computeQueue {
		entry := &n.computeQueue[i]
		backend := n.backends[entry.layer.Backend]
		if !backend.Capabilities().Has(backends.CapPerHandleWorkloads) {
			continue
		}
		private, workloadErr := backend.WorkloadFactory().CreateWorkload(entry.layer, entry.inputInfos)
		if workloadErr != nil {
			for _, slot := range slots {
				_ = slot.Free()
			}
			return nil, fmt.Errorf("cannot create per-handle workload for layer %s: %w", entry.layer.Name, workloadErr)
		}
		if handle.overrides == nil {
			handle.overrides = map[int]backends.Workload{}
		}
		handle.overrides[entry.index] = private
	}

	n.handlesMu.Lock()
	n.handles[handle] = struct{}{}
	n.handlesMu.Unlock()
	return handle, nil
}

// Free releases the handle's tensor handles. Idempotent. Freeing a handle
// with an execution in flight is an error; the execution keeps the memory it
// is using. Free claims the same in-flight flag executions do, so a release
// can never overlap a running execution.
func (h *WorkingMemHandle) Free() error {
	if !h.inFlight.CompareAndSwap(false, true) {
		return ErrHandleInFlight
	}
	defer h.inFlight.Store(false)
	if !h.freed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, slot := range h.slots {
		err = errors.Join(err, slot.Free())
	}
	h.network.handlesMu.Lock()
	delete(h.network.handles, h)
	h.network.handlesMu.Unlock()
	return err
}
