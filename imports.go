package loadnet

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/graph"
)

// ImportedInputID names one pinned zero-copy input tensor. Ids are opaque
// and monotonically increasing per network.
type ImportedInputID int

// ImportedOutputID names one pinned zero-copy output tensor.
type ImportedOutputID int

// ImportInputResult reports the outcome of importing one input tensor.
// Imports succeed or fail independently within one batch: a failed tensor
// never rolls back the successes before or after it.
type ImportInputResult struct {
	Binding graph.BindingID
	ID      ImportedInputID
	Err     error
}

// ImportOutputResult reports the outcome of importing one output tensor.
type ImportOutputResult struct {
	Binding graph.BindingID
	ID      ImportedOutputID
	Err     error
}

type importPin struct {
	binding graph.BindingID
	handle  backends.TensorHandle
}

// pinTable tracks imported tensor handles by opaque id and guarantees
// unimport on clear or teardown.
type pinTable struct {
	mu         sync.Mutex
	inputs     map[ImportedInputID]importPin
	outputs    map[ImportedOutputID]importPin
	nextInput  ImportedInputID
	nextOutput ImportedOutputID
}

func newPinTable() pinTable {
	return pinTable{
		inputs:  map[ImportedInputID]importPin{},
		outputs: map[ImportedOutputID]importPin{},
	}
}

func (t *pinTable) addInput(pin importPin) ImportedInputID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextInput
	t.nextInput++
	t.inputs[id] = pin
	return id
}

func (t *pinTable) addOutput(pin importPin) ImportedOutputID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextOutput
	t.nextOutput++
	t.outputs[id] = pin
	return id
}

func (t *pinTable) getInput(id ImportedInputID) (importPin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pin, ok := t.inputs[id]
	if !ok {
		return importPin{}, fmt.Errorf("pre-imported input id %d does not exist or has been cleared", id)
	}
	return pin, nil
}

func (t *pinTable) getOutput(id ImportedOutputID) (importPin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pin, ok := t.outputs[id]
	if !ok {
		return importPin{}, fmt.Errorf("pre-imported output id %d does not exist or has been cleared", id)
	}
	return pin, nil
}

func (t *pinTable) removeInput(id ImportedInputID) (importPin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pin, ok := t.inputs[id]
	if !ok {
		return importPin{}, fmt.Errorf("pre-imported input id %d does not exist or has been cleared", id)
	}
	delete(t.inputs, id)
	return pin, nil
}

func (t *pinTable) removeOutput(id ImportedOutputID) (importPin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pin, ok := t.outputs[id]
	if !ok {
		return importPin{}, fmt.Errorf("pre-imported output id %d does not exist or has been cleared", id)
	}
	delete(t.outputs, id)
	return pin, nil
}

func (t *pinTable) clearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for _, pin := range t.inputs {
		err = errors.Join(err, pin.handle.Unimport())
	}
	for _, pin := range t.outputs {
		err = errors.Join(err, pin.handle.Unimport())
	}
	t.inputs = map[ImportedInputID]importPin{}
	t.outputs = map[ImportedOutputID]importPin{}
	return err
}

// ImportInputs registers the given caller tensors for zero-copy use as
// network inputs. source selects the memory source the caller memory comes
// from; MemoryUndefined uses the network option default. One result is
// returned per tensor, in ascending binding order; each carries either a pin
// id or the error for that tensor. Successful pins stay valid until cleared
// or the network is destroyed.
func (n *LoadedNetwork) ImportInputs(inputs InputTensors, source backends.MemorySource) []ImportInputResult {
	if source == backends.MemoryUndefined {
		source = n.opts.InputImportSource
	}
	bindings := maps.Keys(inputs)
	slices.Sort(bindings)

	results := make([]ImportInputResult, 0, len(bindings))
	for _, binding := range bindings {
		result := ImportInputResult{Binding: binding}
		handle, err := n.importTensor(binding, inputs[binding], source, true)
		if err != nil {
			result.Err = err
		} else {
			result.ID = n.pins.addInput(importPin{binding: binding, handle: handle})
		}
		results = append(results, result)
	}
	return results
}

// ImportOutputs mirrors ImportInputs for network outputs.
func (n *LoadedNetwork) ImportOutputs(outputs OutputTensors, source backends.MemorySource) []ImportOutputResult {
	if source == backends.MemoryUndefined {
		source = n.opts.OutputImportSource
	}
	bindings := maps.Keys(outputs)
	slices.Sort(bindings)

	results := make([]ImportOutputResult, 0, len(bindings))
	for _, binding := range bindings {
		result := ImportOutputResult{Binding: binding}
		handle, err := n.importTensor(binding, outputs[binding], source, false)
		if err != nil {
			result.Err = err
		} else {
			result.ID = n.pins.addOutput(importPin{binding: binding, handle: handle})
		}
		results = append(results, result)
	}
	return results
}

// importTensor validates one import request eagerly and asks the owning
// backend's import factory to wrap the caller memory without a copy. A
// backend that cannot guarantee zero-copy must reject the request here; the
// engine never falls back to a managed allocation behind the caller's back.
func (n *LoadedNetwork) importTensor(binding graph.BindingID, tensor Tensor, source backends.MemorySource, isInput bool) (backends.TensorHandle, error) {
	if n.unusable.Load() {
		return nil, ErrNetworkUnusable
	}

	var layerID graph.LayerID
	var ok bool
	if isInput {
		layerID, ok = n.graph.InputBindings[binding]
	} else {
		layerID, ok = n.graph.OutputBindings[binding]
	}
	if !ok {
		return nil, &BindingError{Binding: binding, Reason: "unknown binding id"}
	}
	layer, err := n.graph.Layer(layerID)
	if err != nil {
		return nil, err
	}
	if !layer.Output.Compatible(tensor.Info) {
		return nil, &BindingError{Binding: binding, Reason: fmt.Sprintf("tensor %s/%s does not match expected %s/%s", tensor.Info.Shape, tensor.Info.Type, layer.Output.Shape, layer.Output.Type)}
	}

	backend := n.backends[layer.Backend]
	if !backend.Capabilities().Has(backends.CapPreImportedTensors) {
		return nil, &ImportError{Binding: binding, Err: fmt.Errorf("backend %s does not support pre-imported tensors", layer.Backend)}
	}
	factory := backend.ImportFactory()
	if factory == nil {
		return nil, &ImportError{Binding: binding, Err: fmt.Errorf("backend %s has no import-capable tensor handle factory", layer.Backend)}
	}
	if !factory.SupportedSources().Has(source) {
		return nil, &ImportError{Binding: binding, Err: fmt.Errorf("memory source %s is not supported by backend %s, supported sources: %s", source, layer.Backend, factory.SupportedSources())}
	}
	handle, err := factory.CreateImported(layer.Output, tensor.Data, source)
	if err != nil {
		return nil, &ImportError{Binding: binding, Err: err}
	}
	return handle, nil
}

// ClearImportedInputs unimports and drops the named pins. Unknown or
// already-cleared ids are reported in the joined error; the remaining ids
// are still cleared.
func (n *LoadedNetwork) ClearImportedInputs(ids []ImportedInputID) error {
	var err error
	for _, id := range ids {
		pin, removeErr := n.pins.removeInput(id)
		if removeErr != nil {
			err = errors.Join(err, removeErr)
			continue
		}
		err = errors.Join(err, pin.handle.Unimport())
	}
	return err
}

// ClearImportedOutputs mirrors ClearImportedInputs for output pins.
func (n *LoadedNetwork) ClearImportedOutputs(ids []ImportedOutputID) error {
	var err error
	for _, id := range ids {
		pin, removeErr := n.pins.removeOutput(id)
		if removeErr != nil {
			err = errors.Join(err, removeErr)
			continue
		}
		err = errors.Join(err, pin.handle.Unimport())
	}
	return err
}
