package bar

import (
	"fmt"
	"math/bits"

	"github.com/openvmsim/pciebridge/tlp"
)

// A Router dispatches decoded memory requests to the resource backing the
// region that decodes their address.
type Router struct {
	reg *Registry
}

// NewRouter creates a router over a registry.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// resolve finds the region for a request span and converts the address to
// a resource-relative offset. A span that starts inside a region but runs
// past its end is unroutable, a request never straddles two regions.
func (rt *Router) resolve(addr uint64, n int) (Descriptor, uint64, error) {
	d, err := rt.reg.Lookup(addr)
	if err != nil {
		return Descriptor{}, 0, err
	}
	off := addr - d.Base
	if off+uint64(n) > d.Size {
		return Descriptor{}, 0, fmt.Errorf(
			"%w: span %#x+%#x runs past BAR%d", ErrNotFound, addr, n, d.Index)
	}
	return d, off, nil
}

// Read services a memory read request, returning the full payload the
// completion will carry. The payload is always whole doublewords, byte
// enables narrow the completion's byte count but not the data returned.
func (rt *Router) Read(p *tlp.MemRd) ([]byte, error) {
	n := p.PayloadBytes()
	d, off, err := rt.resolve(p.Address, n)
	if err != nil {
		return nil, err
	}
	return d.Resource.Read(off, n)
}

// Write services a memory write request, applying the request's byte
// enables to the doubleword-aligned payload.
func (rt *Router) Write(p *tlp.MemWr) error {
	n := p.PayloadBytes()
	d, off, err := rt.resolve(p.Address, n)
	if err != nil {
		return err
	}

	if p.FirstBE == 0 {
		// Zero-length write, nothing reaches the resource.
		return nil
	}

	if p.PayloadDW() == 1 {
		return writeSingleDW(d.Resource, off, p.Data, p.FirstBE)
	}

	// Multi-doubleword byte enables are contiguous, so the enabled bytes
	// form one span: skip the disabled leading bytes of the first
	// doubleword and the disabled trailing bytes of the last.
	skip := bits.TrailingZeros8(p.FirstBE)
	trim := 4 - bits.Len8(p.LastBE)
	return d.Resource.Write(off+uint64(skip), p.Data[skip:n-trim])
}

// writeSingleDW applies a possibly discontiguous byte enable pattern,
// touching only the enabled bytes.
func writeSingleDW(res Resource, off uint64, data []byte, be uint8) error {
	for i := 0; i < 4; i++ {
		if be&(1<<i) == 0 {
			continue
		}
		run := i
		for run < 4 && be&(1<<run) != 0 {
			run++
		}
		if err := res.Write(off+uint64(i), data[i:run]); err != nil {
			return err
		}
		i = run
	}
	return nil
}
