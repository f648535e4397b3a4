package backends

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/loadnet/graph"
)

func TestMemorySource(t *testing.T) {
	combined := MemoryMalloc | MemoryDmaBuf
	assert.True(t, combined.Has(MemoryMalloc))
	assert.True(t, combined.Has(MemoryDmaBuf))
	assert.False(t, combined.Has(MemoryDmaBufProtected))
	assert.True(t, combined.Has(MemoryUndefined))

	assert.Equal(t, "Undefined", MemoryUndefined.String())
	assert.Equal(t, "Malloc", MemoryMalloc.String())
	assert.Equal(t, "Malloc|DmaBuf", combined.String())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{CapAsyncExecution: true, CapPerHandleWorkloads: false}
	assert.True(t, caps.Has(CapAsyncExecution))
	assert.False(t, caps.Has(CapPerHandleWorkloads))
	assert.False(t, caps.Has(CapPreImportedTensors))
}

type stubBackend struct {
	id string
}

func (b *stubBackend) ID() string                       { return b.id }
func (b *stubBackend) Capabilities() Capabilities       { return Capabilities{} }
func (b *stubBackend) WorkloadFactory() WorkloadFactory { return nil }
func (b *stubBackend) MemoryManager() MemoryManager     { return nil }
func (b *stubBackend) ImportFactory() ImportFactory     { return nil }

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register("CpuRef", func() (Backend, error) {
		return &stubBackend{id: "CpuRef"}, nil
	}))
	assert.ErrorContains(t, registry.Register("CpuRef", func() (Backend, error) {
		return &stubBackend{id: "CpuRef"}, nil
	}), "already registered")
	assert.Error(t, registry.Register("", func() (Backend, error) { return nil, nil }))
	assert.Error(t, registry.Register("NoFactory", nil))

	backend, err := registry.Instantiate("CpuRef")
	require.NoError(t, err)
	assert.Equal(t, "CpuRef", backend.ID())

	_, err = registry.Instantiate("GpuAcc")
	assert.ErrorContains(t, err, "not registered")

	require.NoError(t, registry.Register("Broken", func() (Backend, error) {
		return nil, fmt.Errorf("driver missing")
	}))
	_, err = registry.Instantiate("Broken")
	assert.ErrorContains(t, err, "driver missing")

	require.NoError(t, registry.Register("Liar", func() (Backend, error) {
		return &stubBackend{id: "NotLiar"}, nil
	}))
	_, err = registry.Instantiate("Liar")
	assert.ErrorContains(t, err, "produced backend with id")

	assert.ElementsMatch(t, []string{"CpuRef", "Broken", "Liar"}, registry.IDs())
}

func TestUnsupportedKindError(t *testing.T) {
	err := &UnsupportedKindError{Backend: "CpuRef", Kind: graph.KindFullyConnected}
	assert.Equal(t, "backend CpuRef does not support FullyConnected layers", err.Error())
}
