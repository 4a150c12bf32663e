package adapter

import (
	"context"
	"fmt"

	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
)

const barReg0 = cfgBAR0 / tlp.DWLen

// Probe sizes the device's base address registers with the write-ones
// protocol: save the register, write all ones, read back the size mask,
// restore. It returns one disabled descriptor per implemented BAR; the
// caller assigns bases and backing resources before registering them.
func (ad *Adapter) Probe(ctx context.Context) ([]bar.Descriptor, error) {
	var found []bar.Descriptor

	for idx := 0; idx < bar.NumBARs; idx++ {
		reg := barReg0 + idx

		orig, err := ad.ConfigRead(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("probing BAR%d: %w", idx, err)
		}
		if err := ad.ConfigWrite(ctx, reg, ^uint32(0), 0xf); err != nil {
			return nil, fmt.Errorf("probing BAR%d: %w", idx, err)
		}
		sized, err := ad.ConfigRead(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("probing BAR%d: %w", idx, err)
		}
		if err := ad.ConfigWrite(ctx, reg, orig, 0xf); err != nil {
			return nil, fmt.Errorf("probing BAR%d: %w", idx, err)
		}

		if sized == 0 {
			continue
		}

		d := bar.Descriptor{Index: idx}
		switch {
		case sized&0x1 != 0:
			d.Kind = bar.IO
			d.Size = uint64(^(sized &^ 0b11) + 1)
		case sized&0x4 != 0:
			d.Kind = bar.Mem64
			d.Prefetchable = sized&0x8 != 0
			hiSize, err := ad.probeUpper(ctx, reg+1)
			if err != nil {
				return nil, fmt.Errorf("probing BAR%d: %w", idx, err)
			}
			d.Size = sizeOf(uint64(hiSize)<<32 | uint64(sized&^0xf))
		default:
			d.Kind = bar.Mem32
			d.Prefetchable = sized&0x8 != 0
			d.Size = sizeOf(uint64(sized &^ 0xf))
		}

		found = append(found, d)
		if d.Kind == bar.Mem64 {
			idx++ // the next register is this BAR's upper half
		}
	}
	return found, nil
}

func (ad *Adapter) probeUpper(ctx context.Context, reg int) (uint32, error) {
	orig, err := ad.ConfigRead(ctx, reg)
	if err != nil {
		return 0, err
	}
	if err := ad.ConfigWrite(ctx, reg, ^uint32(0), 0xf); err != nil {
		return 0, err
	}
	sized, err := ad.ConfigRead(ctx, reg)
	if err != nil {
		return 0, err
	}
	return sized, ad.ConfigWrite(ctx, reg, orig, 0xf)
}

// sizeOf turns a sign-extended base mask into the region size. A mask
// whose upper half reads back as zero belongs to a 32-bit sized region.
func sizeOf(mask uint64) uint64 {
	if mask>>32 == 0 {
		return uint64(^uint32(mask) + 1)
	}
	return ^mask + 1
}
