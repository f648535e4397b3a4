package refbackend

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// RefMemoryManager accounts for every backend-owned tensor allocation. The
// pool is host memory so Acquire does not reserve anything upfront, but the
// acquired state is still enforced so teardown ordering bugs surface on CPU
// before they hit a device backend.
type RefMemoryManager struct {
	mu       sync.Mutex
	acquired bool
	live     atomic.Int64
	peak     atomic.Int64
}

func NewRefMemoryManager() *RefMemoryManager {
	return &RefMemoryManager{}
}

func (m *RefMemoryManager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = true
	return nil
}

// Release returns the pool. Releasing with live allocations outstanding is
// an error: it means tensor handles were leaked past their owner's teardown.
func (m *RefMemoryManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return nil
	}
	m.acquired = false
	if live := m.live.Load(); live != 0 {
		return fmt.Errorf("reference memory manager released with %d live allocations", live)
	}
	return nil
}

// LiveAllocations returns the number of currently allocated handles.
func (m *RefMemoryManager) LiveAllocations() int64 {
	return m.live.Load()
}

// PeakAllocations returns the high-water mark of simultaneous allocations.
func (m *RefMemoryManager) PeakAllocations() int64 {
	return m.peak.Load()
}

func (m *RefMemoryManager) allocate() error {
	m.mu.Lock()
	acquired := m.acquired
	m.mu.Unlock()
	if !acquired {
		return fmt.Errorf("reference memory manager has not been acquired")
	}
	live := m.live.Add(1)
	for {
		peak := m.peak.Load()
		if live <= peak || m.peak.CompareAndSwap(peak, live) {
			return nil
		}
	}
}

func (m *RefMemoryManager) free() {
	m.live.Add(-1)
}
