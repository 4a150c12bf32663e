package bar

import (
	"fmt"
	"sync"
)

//go:generate mockgen -destination "mock_bar_test.go" -package bar -write_package_comment=false github.com/openvmsim/pciebridge/bar Resource

// A Resource backs a base address region. The three concrete backings are
// a simulated register bank, a shared memory window, and a pass-through
// region that forwards every access as a memory transaction.
type Resource interface {
	// Read returns n bytes starting at the in-region offset.
	Read(offset uint64, n int) ([]byte, error)

	// Write stores data starting at the in-region offset.
	Write(offset uint64, data []byte) error
}

// ErrOutOfRange reports an access beyond the end of a resource.
var ErrOutOfRange = fmt.Errorf("access beyond resource bounds")

const bankUnitSize = 4096

// A RegisterBank is a sparse in-process byte store modeling the register
// file of a simulated device. Units are allocated on first touch so a
// large sparsely accessed region costs little memory.
type RegisterBank struct {
	mu       sync.Mutex
	capacity uint64
	units    map[uint64][]byte
}

// NewRegisterBank creates a register bank of the given capacity.
func NewRegisterBank(capacity uint64) *RegisterBank {
	return &RegisterBank{
		capacity: capacity,
		units:    make(map[uint64][]byte),
	}
}

func (b *RegisterBank) unit(addr uint64) []byte {
	base := addr - addr%bankUnitSize
	u, ok := b.units[base]
	if !ok {
		u = make([]byte, bankUnitSize)
		b.units[base] = u
	}
	return u
}

// Read returns n bytes starting at offset.
func (b *RegisterBank) Read(offset uint64, n int) ([]byte, error) {
	if offset+uint64(n) > b.capacity {
		return nil, fmt.Errorf("%w: read %#x+%d of %#x",
			ErrOutOfRange, offset, n, b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, n)
	done := 0
	for done < n {
		u := b.unit(offset)
		inUnit := offset % bankUnitSize
		chunk := bankUnitSize - inUnit
		if uint64(n-done) < chunk {
			chunk = uint64(n - done)
		}
		copy(out[done:], u[inUnit:inUnit+chunk])
		done += int(chunk)
		offset += chunk
	}
	return out, nil
}

// Write stores data starting at offset.
func (b *RegisterBank) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.capacity {
		return fmt.Errorf("%w: write %#x+%d of %#x",
			ErrOutOfRange, offset, len(data), b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	done := 0
	for done < len(data) {
		u := b.unit(offset)
		inUnit := offset % bankUnitSize
		chunk := bankUnitSize - inUnit
		if uint64(len(data)-done) < chunk {
			chunk = uint64(len(data) - done)
		}
		copy(u[inUnit:inUnit+chunk], data[done:done+int(chunk)])
		done += int(chunk)
		offset += chunk
	}
	return nil
}

// A SharedMemory is a flat byte window shared between the hypervisor and
// the device model, bypassing transaction simulation. Prefetchable
// regions are typically backed this way.
type SharedMemory struct {
	mu  sync.RWMutex
	buf []byte
}

// NewSharedMemory creates a shared memory window of the given size.
func NewSharedMemory(size uint64) *SharedMemory {
	return &SharedMemory{buf: make([]byte, size)}
}

// Read returns n bytes starting at offset.
func (s *SharedMemory) Read(offset uint64, n int) ([]byte, error) {
	if offset+uint64(n) > uint64(len(s.buf)) {
		return nil, fmt.Errorf("%w: read %#x+%d of %#x",
			ErrOutOfRange, offset, n, len(s.buf))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]byte, n)
	copy(out, s.buf[offset:])
	return out, nil
}

// Write stores data starting at offset.
func (s *SharedMemory) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(s.buf)) {
		return fmt.Errorf("%w: write %#x+%d of %#x",
			ErrOutOfRange, offset, len(data), len(s.buf))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.buf[offset:], data)
	return nil
}
