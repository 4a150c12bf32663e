package bar

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrConflict reports a reprogram request that cannot be honored. The
// previous mapping stays active when a reprogram conflicts.
var ErrConflict = errors.New("BAR conflict")

// ErrNotFound reports a lookup that no enabled region decodes.
var ErrNotFound = errors.New("no matching BAR")

// A DrainCheck reports whether transactions are still in flight against a
// region. Reprogramming is refused while the check returns true, so a
// request is never serviced against a stale base address.
type DrainCheck func(d Descriptor) bool

// A Registry tracks the base address regions of one device function.
//
// The registry is written rarely (attach, detach, reprogram) and read on
// every routed access, so writers publish a fresh copy of the descriptor
// table and readers work from an atomic snapshot. A reader can never
// observe a half-updated mapping.
type Registry struct {
	mu       sync.Mutex
	table    atomic.Value // holds []Descriptor
	inFlight DrainCheck
}

// NewRegistry creates an empty registry. The drain check may be nil, in
// which case reprogramming is never refused for in-flight transactions.
func NewRegistry(inFlight DrainCheck) *Registry {
	r := &Registry{inFlight: inFlight}
	r.table.Store([]Descriptor{})
	return r
}

func (r *Registry) snapshot() []Descriptor {
	return r.table.Load().([]Descriptor)
}

func (r *Registry) publish(table []Descriptor) {
	r.table.Store(table)
}

// Register adds a descriptor. An enabled descriptor must carry a backing
// resource and must not overlap another enabled region.
func (r *Registry) Register(d Descriptor) error {
	if d.Index < 0 || d.Index > ROMIndex {
		return fmt.Errorf("BAR index %d out of range", d.Index)
	}
	if d.Enabled && d.Resource == nil {
		return fmt.Errorf("enabled BAR%d without a backing resource", d.Index)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	for _, existing := range old {
		if existing.Index == d.Index {
			return fmt.Errorf("BAR%d already registered", d.Index)
		}
		if d.Enabled && existing.Overlaps(d.Base, d.Size) {
			return fmt.Errorf("%w: BAR%d overlaps %v",
				ErrConflict, d.Index, existing)
		}
	}

	table := make([]Descriptor, len(old), len(old)+1)
	copy(table, old)
	table = append(table, d)
	r.publish(table)
	return nil
}

// Deregister removes the descriptor with the given index, returning it.
func (r *Registry) Deregister(index int) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	for i, d := range old {
		if d.Index != index {
			continue
		}
		table := make([]Descriptor, 0, len(old)-1)
		table = append(table, old[:i]...)
		table = append(table, old[i+1:]...)
		r.publish(table)
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("BAR%d not registered", index)
}

// Lookup finds the enabled region decoding the given address.
func (r *Registry) Lookup(addr uint64) (Descriptor, error) {
	for _, d := range r.snapshot() {
		if d.Contains(addr) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: address %#x", ErrNotFound, addr)
}

// Get returns the descriptor with the given index.
func (r *Registry) Get(index int) (Descriptor, error) {
	for _, d := range r.snapshot() {
		if d.Index == index {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("BAR%d not registered", index)
}

// Reprogram moves a region to a new base address. The move is refused
// with ErrConflict when the new range overlaps another enabled region or
// when transactions against the old range have not drained; the old
// mapping stays active in both cases.
func (r *Registry) Reprogram(index int, newBase uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	target := -1
	for i, d := range old {
		if d.Index == index {
			target = i
			break
		}
	}
	if target < 0 {
		return fmt.Errorf("BAR%d not registered", index)
	}

	moving := old[target]
	for i, d := range old {
		if i != target && moving.Enabled && d.Overlaps(newBase, moving.Size) {
			return fmt.Errorf("%w: new range %#x+%#x overlaps %v",
				ErrConflict, newBase, moving.Size, d)
		}
	}

	if r.inFlight != nil && r.inFlight(moving) {
		return fmt.Errorf(
			"%w: transactions in flight against %v", ErrConflict, moving)
	}

	table := make([]Descriptor, len(old))
	copy(table, old)
	table[target].Base = newBase
	r.publish(table)
	return nil
}

// SwapResource atomically replaces the backing resource of a region. The
// same drain rule as Reprogram applies.
func (r *Registry) SwapResource(index int, res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	for i, d := range old {
		if d.Index != index {
			continue
		}
		if d.Enabled && res == nil {
			return fmt.Errorf("enabled BAR%d cannot drop its resource", index)
		}
		if r.inFlight != nil && r.inFlight(d) {
			return fmt.Errorf(
				"%w: transactions in flight against %v", ErrConflict, d)
		}
		table := make([]Descriptor, len(old))
		copy(table, old)
		table[i].Resource = res
		r.publish(table)
		return nil
	}
	return fmt.Errorf("BAR%d not registered", index)
}

// SetEnabled flips memory decoding for a region, mirroring the command
// register's memory space enable bit.
func (r *Registry) SetEnabled(index int, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()
	for i, d := range old {
		if d.Index != index {
			continue
		}
		if enabled && d.Resource == nil {
			return fmt.Errorf("BAR%d has no backing resource", index)
		}
		table := make([]Descriptor, len(old))
		copy(table, old)
		table[i].Enabled = enabled
		r.publish(table)
		return nil
	}
	return fmt.Errorf("BAR%d not registered", index)
}

// Snapshot returns a copy of the descriptor table.
func (r *Registry) Snapshot() []Descriptor {
	old := r.snapshot()
	table := make([]Descriptor, len(old))
	copy(table, old)
	return table
}
