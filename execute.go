package loadnet

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
	"github.com/knights-analytics/loadnet/telemetry"
)

// EnqueueWorkload runs one execution against the shared working memory,
// allocating it lazily on the first call. It is NOT safe for concurrent use
// against the same network: the caller owns serialization on this path. Use
// Execute with per-caller working-memory handles for overlapped executions.
func (n *LoadedNetwork) EnqueueWorkload(inputs InputTensors, outputs OutputTensors) error {
	if n.unusable.Load() {
		return ErrNetworkUnusable
	}
	if err := n.allocateWorkingMemory(); err != nil {
		return err
	}
	return n.run(n.sharedSlots, nil, inputs, outputs, nil, nil)
}

// Execute runs one execution against the given working-memory handle. It is
// safe to call concurrently with executions on other handles of the same
// network; two concurrent calls sharing one handle fail with
// ErrHandleInFlight. Pre-imported ids resolve pins created by
// ImportInputs/ImportOutputs; bindings covered by a pin must not also appear
// in the tensor maps.
func (n *LoadedNetwork) Execute(inputs InputTensors, outputs OutputTensors, handle *WorkingMemHandle,
	preImportedInputs []ImportedInputID, preImportedOutputs []ImportedOutputID) error {
	if n.unusable.Load() {
		return ErrNetworkUnusable
	}
	if handle == nil {
		return fmt.Errorf("a working memory handle is required, use CreateWorkingMemHandle")
	}
	if handle.network != n {
		return fmt.Errorf("working memory handle belongs to a different network")
	}
	if !handle.inFlight.CompareAndSwap(false, true) {
		return ErrHandleInFlight
	}
	defer handle.inFlight.Store(false)
	if handle.freed.Load() {
		return fmt.Errorf("working memory handle has been freed")
	}
	return n.run(handle.slots, handle.overrides, inputs, outputs, preImportedInputs, preImportedOutputs)
}

// run executes the three workload phases against the given slot set. All
// binding validation happens up front, before any workload is issued.
func (n *LoadedNetwork) run(slots []backends.TensorHandle, overrides map[int]backends.Workload,
	inputs InputTensors, outputs OutputTensors,
	preImportedInputs []ImportedInputID, preImportedOutputs []ImportedOutputID) error {

	importedIn, err := n.resolveImportedInputs(preImportedInputs)
	if err != nil {
		return err
	}
	importedOut, err := n.resolveImportedOutputs(preImportedOutputs)
	if err != nil {
		return err
	}
	if err := n.validateBindings(inputs, outputs, importedIn, importedOut); err != nil {
		return err
	}

	start := time.Now()
	n.emit(telemetry.Event{Kind: telemetry.InferenceStart, NetworkID: n.networkID, Timestamp: start})

	// Point slots of pre-imported bindings directly at the imported memory
	// so the compute phase reads/writes it without a copy. The originals are
	// restored before returning.
	type slotRestore struct {
		index  int
		handle backends.TensorHandle
	}
	var restores []slotRestore
	defer func() {
		for _, restore := range restores {
			slots[restore.index] = restore.handle
		}
	}()
	for i := range n.inputQueue {
		if handle, ok := importedIn[n.inputQueue[i].binding]; ok {
			index := n.inputQueue[i].slot.index
			restores = append(restores, slotRestore{index: index, handle: slots[index]})
			slots[index] = handle
		}
	}
	for i := range n.outputQueue {
		if handle, ok := importedOut[n.outputQueue[i].binding]; ok {
			index := n.outputQueue[i].source.index
			restores = append(restores, slotRestore{index: index, handle: slots[index]})
			slots[index] = handle
		}
	}

	// Input phase.
	for i := range n.inputQueue {
		entry := &n.inputQueue[i]
		if _, imported := importedIn[entry.binding]; imported {
			continue
		}
		host := newHostTensorHandle(inputs[entry.binding])
		if execErr := entry.workload.Execute([]backends.TensorHandle{host}, []backends.TensorHandle{slots[entry.slot.index]}); execErr != nil {
			return n.wrapExecutionError(entry.layer.ID, execErr)
		}
	}

	// Compute phase.
	for i := range n.computeQueue {
		entry := &n.computeQueue[i]
		workload := entry.workload
		if overrides != nil {
			if private, ok := overrides[entry.index]; ok {
				workload = private
			}
		}
		inputHandles := make([]backends.TensorHandle, len(entry.inputs))
		for j, ref := range entry.inputs {
			inputHandles[j] = n.resolveSlot(slots, ref)
		}
		outputHandle := n.resolveSlot(slots, entry.output)

		var workloadStart time.Time
		if n.opts.Profiling {
			workloadStart = time.Now()
			n.emit(telemetry.Event{
				Kind:      telemetry.WorkloadStart,
				NetworkID: n.networkID,
				Timestamp: workloadStart,
				LayerID:   int(entry.layer.ID),
				LayerName: entry.layer.Name,
				Backend:   entry.layer.Backend,
			})
		}
		if execErr := workload.Execute(inputHandles, []backends.TensorHandle{outputHandle}); execErr != nil {
			return n.wrapExecutionError(entry.layer.ID, execErr)
		}
		if n.opts.Profiling {
			n.emit(telemetry.Event{
				Kind:       telemetry.WorkloadEnd,
				NetworkID:  n.networkID,
				Timestamp:  time.Now(),
				LayerID:    int(entry.layer.ID),
				LayerName:  entry.layer.Name,
				Backend:    entry.layer.Backend,
				DurationNS: uint64(time.Since(workloadStart).Nanoseconds()),
			})
		}

		n.debugMu.RLock()
		callback := n.debugCallback
		n.debugMu.RUnlock()
		if callback != nil {
			if data, dataErr := outputHandle.Data(); dataErr == nil {
				callback(entry.layer.ID, data)
			}
		}
	}

	// Output phase.
	for i := range n.outputQueue {
		entry := &n.outputQueue[i]
		if _, imported := importedOut[entry.binding]; imported {
			continue
		}
		host := newHostTensorHandle(outputs[entry.binding])
		if execErr := entry.workload.Execute([]backends.TensorHandle{slots[entry.source.index]}, []backends.TensorHandle{host}); execErr != nil {
			return n.wrapExecutionError(entry.layer.ID, execErr)
		}
	}

	atomic.AddUint64(&n.inferenceTimings.NumCalls, 1)
	atomic.AddUint64(&n.inferenceTimings.TotalNS, uint64(time.Since(start).Nanoseconds()))
	n.emit(telemetry.Event{
		Kind:       telemetry.InferenceEnd,
		NetworkID:  n.networkID,
		Timestamp:  time.Now(),
		DurationNS: uint64(time.Since(start).Nanoseconds()),
	})
	return nil
}

func (n *LoadedNetwork) resolveSlot(slots []backends.TensorHandle, ref slotRef) backends.TensorHandle {
	if ref.constant {
		return n.constants[ref.index]
	}
	return slots[ref.index]
}

func (n *LoadedNetwork) wrapExecutionError(layer graph.LayerID, err error) error {
	fatal := errors.Is(err, backends.ErrFatal)
	if fatal {
		n.unusable.Store(true)
		n.opts.Logger.Error().Str("networkId", n.networkID).Err(err).Msg("fatal backend failure, network is unusable")
	}
	return &ExecutionError{Layer: layer, Fatal: fatal, Err: err}
}

func (n *LoadedNetwork) resolveImportedInputs(ids []ImportedInputID) (map[graph.BindingID]backends.TensorHandle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resolved := make(map[graph.BindingID]backends.TensorHandle, len(ids))
	for _, id := range ids {
		pin, err := n.pins.getInput(id)
		if err != nil {
			return nil, err
		}
		if _, duplicate := resolved[pin.binding]; duplicate {
			return nil, &BindingError{Binding: pin.binding, Reason: "covered by more than one pre-imported input"}
		}
		resolved[pin.binding] = pin.handle
	}
	return resolved, nil
}

func (n *LoadedNetwork) resolveImportedOutputs(ids []ImportedOutputID) (map[graph.BindingID]backends.TensorHandle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resolved := make(map[graph.BindingID]backends.TensorHandle, len(ids))
	for _, id := range ids {
		pin, err := n.pins.getOutput(id)
		if err != nil {
			return nil, err
		}
		if _, duplicate := resolved[pin.binding]; duplicate {
			return nil, &BindingError{Binding: pin.binding, Reason: "covered by more than one pre-imported output"}
		}
		resolved[pin.binding] = pin.handle
	}
	return resolved, nil
}

// validateBindings checks, before any device work is issued, that every
// declared binding is covered exactly once and that the supplied tensors
// match the expected shapes and types.
func (n *LoadedNetwork) validateBindings(inputs InputTensors, outputs OutputTensors,
	importedIn, importedOut map[graph.BindingID]backends.TensorHandle) error {

	for binding, tensor := range inputs {
		expected, err := n.graph.InputInfo(binding)
		if err != nil {
			return &BindingError{Binding: binding, Reason: "unknown input binding id"}
		}
		if _, alsoImported := importedIn[binding]; alsoImported {
			return &BindingError{Binding: binding, Reason: "input supplied both directly and pre-imported"}
		}
		if !expected.Compatible(tensor.Info) {
			return &BindingError{Binding: binding, Reason: fmt.Sprintf("input tensor %s/%s does not match expected %s/%s", tensor.Info.Shape, tensor.Info.Type, expected.Shape, expected.Type)}
		}
		if int64(len(tensor.Data)) != expected.Shape.NumElements() {
			return &BindingError{Binding: binding, Reason: fmt.Sprintf("input tensor holds %d elements, expected %d", len(tensor.Data), expected.Shape.NumElements())}
		}
	}
	for binding, tensor := range outputs {
		expected, err := n.graph.OutputInfo(binding)
		if err != nil {
			return &BindingError{Binding: binding, Reason: "unknown output binding id"}
		}
		if _, alsoImported := importedOut[binding]; alsoImported {
			return &BindingError{Binding: binding, Reason: "output supplied both directly and pre-imported"}
		}
		if !expected.Compatible(tensor.Info) {
			return &BindingError{Binding: binding, Reason: fmt.Sprintf("output tensor %s/%s does not match expected %s/%s", tensor.Info.Shape, tensor.Info.Type, expected.Shape, expected.Type)}
		}
		if int64(len(tensor.Data)) != expected.Shape.NumElements() {
			return &BindingError{Binding: binding, Reason: fmt.Sprintf("output tensor holds %d elements, expected %d", len(tensor.Data), expected.Shape.NumElements())}
		}
	}
	for i := range n.inputQueue {
		binding := n.inputQueue[i].binding
		_, direct := inputs[binding]
		_, imported := importedIn[binding]
		if !direct && !imported {
			return &BindingError{Binding: binding, Reason: "no input tensor supplied"}
		}
	}
	for i := range n.outputQueue {
		binding := n.outputQueue[i].binding
		_, direct := outputs[binding]
		_, imported := importedOut[binding]
		if !direct && !imported {
			return &BindingError{Binding: binding, Reason: "no output tensor supplied"}
		}
	}
	return nil
}
