package adapter

import (
	"context"
	"fmt"

	"github.com/openvmsim/pciebridge/tlp"
	"github.com/openvmsim/pciebridge/xact"
)

// A TransactionRegion backs a BAR by turning every access into a memory
// transaction on the lane, the way a non-prefetchable region of a real
// device must be accessed. Reads are non-posted and wait for the
// device's completion; writes are posted and return as soon as the
// arbiter lets them through.
type TransactionRegion struct {
	ad    *Adapter
	index int
}

// NewTransactionRegion creates a pass-through backing for the BAR with
// the given index. The region follows the BAR through reprogramming
// because it resolves the base address on every access.
func (ad *Adapter) NewTransactionRegion(index int) *TransactionRegion {
	return &TransactionRegion{ad: ad, index: index}
}

func (r *TransactionRegion) busAddr(offset uint64) (uint64, error) {
	d, err := r.ad.registry.Get(r.index)
	if err != nil {
		return 0, err
	}
	return d.Base + offset, nil
}

// Read issues a non-posted read to the device and waits for its
// completion, bounded by the adapter's operation timeout.
func (r *TransactionRegion) Read(offset uint64, n int) ([]byte, error) {
	addr, err := r.busAddr(offset)
	if err != nil {
		return nil, err
	}

	tag, err := r.ad.table.AllocTag(r.ad.bridgeID)
	if err != nil {
		return nil, err
	}

	req, err := tlp.MemRdBuilder{}.
		WithRequester(r.ad.bridgeID).
		WithTag(tag).
		WithAddress(addr).
		WithByteLen(n).
		Build()
	if err != nil {
		return nil, err
	}

	h, err := r.ad.table.Issue(
		xact.KindMemory, r.ad.bridgeID, tag, req, true)
	if err != nil {
		return nil, err
	}
	if err := r.ad.sendToDevice(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), r.ad.opTimeout)
	defer cancel()

	cpl, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	// The completion carries whole doublewords; cut the requested
	// window back out.
	pad := int(addr & 0b11)
	if len(cpl.Data) < pad+n {
		return nil, fmt.Errorf("device returned %d of %d bytes",
			len(cpl.Data), pad+n)
	}
	return cpl.Data[pad : pad+n], nil
}

// Write issues a posted write toward the device.
func (r *TransactionRegion) Write(offset uint64, data []byte) error {
	addr, err := r.busAddr(offset)
	if err != nil {
		return err
	}

	wr, err := tlp.MemWrBuilder{}.
		WithRequester(r.ad.bridgeID).
		WithAddress(addr).
		WithData(data).
		Build()
	if err != nil {
		return err
	}
	return r.ad.sendToDevice(wr)
}
