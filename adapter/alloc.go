package adapter

import (
	"fmt"
	"sync"

	"github.com/openvmsim/pciebridge/bar"
)

// An Allocator hands out host-side address ranges and backing resources
// when a BAR is enabled, on behalf of the hypervisor.
type Allocator interface {
	// Allocate reserves a naturally aligned address range and the
	// resource backing it. A nil resource asks the adapter to back the
	// region with pass-through transactions.
	Allocate(size uint64, kind bar.Kind, prefetchable bool) (
		uint64, bar.Resource, error)

	// Release returns a range obtained from Allocate.
	Release(base uint64)
}

// A WindowAllocator carves naturally aligned ranges out of one address
// window. Prefetchable regions get shared-memory backing; everything
// else is left to pass-through so reads keep their side effects.
type WindowAllocator struct {
	mu    sync.Mutex
	next  uint64
	limit uint64
	used  map[uint64]uint64
}

// NewWindowAllocator creates an allocator over [base, base+size).
func NewWindowAllocator(base, size uint64) *WindowAllocator {
	return &WindowAllocator{
		next:  base,
		limit: base + size,
		used:  make(map[uint64]uint64),
	}
}

// Allocate reserves a range. BAR bases must be aligned to their size.
func (a *WindowAllocator) Allocate(
	size uint64, kind bar.Kind, prefetchable bool,
) (uint64, bar.Resource, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, nil, fmt.Errorf("BAR size %#x is not a power of two", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := (a.next + size - 1) &^ (size - 1)
	if base+size > a.limit {
		return 0, nil, fmt.Errorf(
			"window exhausted: need %#x at %#x, limit %#x",
			size, base, a.limit)
	}
	a.next = base + size
	a.used[base] = size

	if prefetchable {
		return base, bar.NewSharedMemory(size), nil
	}
	return base, nil, nil
}

// Release returns a range. The window allocator does not reuse released
// ranges; it only forgets them.
func (a *WindowAllocator) Release(base uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, base)
}
