// Package bar tracks the base address regions a device function exposes
// and routes memory accesses to the resource backing each region.
package bar

import "fmt"

// NumBARs is the number of base address registers of a type 0 function.
const NumBARs = 6

// ROMIndex is the descriptor index used for the expansion ROM region.
const ROMIndex = 6

// A Kind describes the address space and width of a region.
type Kind int

// The three region kinds a base address register can encode.
const (
	Mem32 Kind = iota
	Mem64
	IO
)

func (k Kind) String() string {
	switch k {
	case Mem32:
		return "mem32"
	case Mem64:
		return "mem64"
	case IO:
		return "io"
	}
	return "unknown"
}

// A Descriptor describes one discovered or allocated base address region.
// Descriptors are owned by the Registry; they are copied, never shared, so
// a snapshot handed to a reader stays coherent while the registry moves on.
type Descriptor struct {
	// Index is the BAR register index, 0-5, or ROMIndex for the
	// expansion ROM.
	Index int

	// Base is the guest physical address the region is mapped at. A
	// disabled region has no meaningful base.
	Base uint64

	// Size is the region size in bytes, always a power of two.
	Size uint64

	// Kind and Prefetchable mirror the low bits of the BAR register.
	Kind         Kind
	Prefetchable bool

	// Enabled reports whether the region decodes accesses. An enabled
	// descriptor always carries a non-nil Resource.
	Enabled bool

	// Resource backs the region. The registry holds the reference but
	// never owns the resource's lifetime.
	Resource Resource
}

// Contains reports whether the enabled region decodes the given address.
func (d Descriptor) Contains(addr uint64) bool {
	return d.Enabled && addr >= d.Base && addr < d.Base+d.Size
}

// Overlaps reports whether two enabled regions share any address.
func (d Descriptor) Overlaps(base, size uint64) bool {
	return d.Enabled && d.Base < base+size && base < d.Base+d.Size
}

func (d Descriptor) String() string {
	return fmt.Sprintf("BAR%d %s @%#x+%#x", d.Index, d.Kind, d.Base, d.Size)
}
