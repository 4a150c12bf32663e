package adapter

import (
	"context"
	"fmt"

	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
)

const cmdMemoryEnable = 0x0006 // memory space + bus master

// Attach brings the device's regions online: probe the BAR sizes,
// allocate host ranges and backing resources, program the bases into
// the device, register the mappings, and enable memory decoding.
func (ad *Adapter) Attach(
	ctx context.Context, alloc Allocator,
) ([]bar.Descriptor, error) {
	probed, err := ad.Probe(ctx)
	if err != nil {
		return nil, err
	}

	var attached []bar.Descriptor
	for _, d := range probed {
		base, res, err := alloc.Allocate(d.Size, d.Kind, d.Prefetchable)
		if err != nil {
			return attached, fmt.Errorf("allocating BAR%d: %w", d.Index, err)
		}
		if res == nil {
			res = ad.NewTransactionRegion(d.Index)
		}

		reg := barReg0 + d.Index
		if err := ad.ConfigWrite(ctx, reg, uint32(base), 0xf); err != nil {
			return attached, fmt.Errorf("programming BAR%d: %w", d.Index, err)
		}
		if d.Kind == bar.Mem64 {
			err = ad.ConfigWrite(ctx, reg+1, uint32(base>>32), 0xf)
			if err != nil {
				return attached, fmt.Errorf(
					"programming BAR%d: %w", d.Index, err)
			}
		}

		d.Base = base
		d.Resource = res
		d.Enabled = true
		if err := ad.registry.Register(d); err != nil {
			return attached, err
		}
		attached = append(attached, d)
	}

	cmd, err := ad.ConfigRead(ctx, cfgCommand/tlp.DWLen)
	if err != nil {
		return attached, err
	}
	err = ad.ConfigWrite(
		ctx, cfgCommand/tlp.DWLen, cmd|cmdMemoryEnable, 0b0011)
	if err != nil {
		return attached, err
	}
	return attached, nil
}

// Detach takes the device's regions offline and returns their host
// ranges to the allocator.
func (ad *Adapter) Detach(alloc Allocator) {
	for _, d := range ad.registry.Snapshot() {
		if _, err := ad.registry.Deregister(d.Index); err == nil {
			alloc.Release(d.Base)
		}
	}
}
