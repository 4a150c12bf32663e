package adapter

import (
	"encoding/binary"
	"log"
	"math/bits"

	"github.com/openvmsim/pciebridge/bar"
	"github.com/openvmsim/pciebridge/tlp"
)

// A Device is a backend servicing the packets the bridge forwards over
// a lane. Run returns after the bridge closes the downstream direction.
type Device interface {
	Run(side DeviceSide)
}

// Config space byte offsets the simulated endpoint cares about.
const (
	cfgVendorID  = 0x00
	cfgCommand   = 0x04
	cfgClassCode = 0x08
	cfgBAR0      = 0x10
	cfgCapPtr    = 0x34
)

const cfgSpaceSize = 4096

// BARProfile describes one region a simulated endpoint exposes.
type BARProfile struct {
	Index        int
	Size         uint32
	Kind         bar.Kind
	Prefetchable bool
}

// A SimDevice is a simulated PCIe endpoint. It answers configuration
// accesses from an in-process config space, implements the
// write-ones-read-back BAR sizing protocol, services memory requests
// against a register bank, and raises message-signaled interrupts as
// in-band memory writes.
type SimDevice struct {
	id       tlp.DeviceID
	idDW     uint32
	cfg      [cfgSpaceSize]byte
	sizeMask [bar.NumBARs]uint32
	flags    [bar.NumBARs]uint32
	bank     *bar.RegisterBank
	msi      chan uint8
	msiAddr  uint64
}

// NewSimDevice creates a simulated endpoint with the given IDs and BAR
// profiles.
func NewSimDevice(
	id tlp.DeviceID, vendor, device uint16, bars []BARProfile,
) *SimDevice {
	d := &SimDevice{
		id:   id,
		bank: bar.NewRegisterBank(1 << 30),
		msi:  make(chan uint8, 32),
	}

	binary.LittleEndian.PutUint16(d.cfg[cfgVendorID:], vendor)
	binary.LittleEndian.PutUint16(d.cfg[cfgVendorID+2:], device)
	d.idDW = binary.LittleEndian.Uint32(d.cfg[cfgVendorID:])

	for _, p := range bars {
		d.sizeMask[p.Index] = ^(p.Size - 1)
		d.flags[p.Index] = barFlags(p)
	}
	return d
}

func barFlags(p BARProfile) uint32 {
	if p.Kind == bar.IO {
		return 0x1
	}
	var f uint32
	if p.Kind == bar.Mem64 {
		f |= 0x4
	}
	if p.Prefetchable {
		f |= 0x8
	}
	return f
}

// SetMSIAddress programs the doorbell address interrupts are written
// to, mirroring a guest write to the MSI capability.
func (d *SimDevice) SetMSIAddress(addr uint64) {
	d.msiAddr = addr
}

// RaiseMSI queues an interrupt assertion. The vector leaves the device
// as a posted memory write on the lane.
func (d *SimDevice) RaiseMSI(vector uint8) {
	d.msi <- vector
}

// Run services the lane until the bridge closes it.
func (d *SimDevice) Run(side DeviceSide) {
	for {
		select {
		case raw, ok := <-side.Recv():
			if !ok {
				side.CloseUpstream()
				return
			}
			d.handle(side, raw)
		case vector := <-d.msi:
			d.sendMSI(side, vector)
		}
	}
}

func (d *SimDevice) sendMSI(side DeviceSide, vector uint8) {
	if d.msiAddr == 0 {
		log.Printf("device %v raised MSI %d with no doorbell programmed",
			d.id, vector)
		return
	}

	wr, err := tlp.MemWrBuilder{}.
		WithRequester(d.id).
		WithAddress(d.msiAddr).
		WithData([]byte{vector, 0, 0, 0}).
		Build()
	if err != nil {
		log.Panicf("building MSI write: %v", err)
	}
	d.send(side, wr)
}

func (d *SimDevice) handle(side DeviceSide, raw []byte) {
	p, err := tlp.Decode(raw)
	if err == nil {
		err = tlp.Validate(p)
	}
	if err != nil {
		log.Printf("device %v dropping bad packet: %v", d.id, err)
		return
	}

	switch req := p.(type) {
	case *tlp.CfgRd:
		d.send(side, d.cfgRead(req))
	case *tlp.CfgWr:
		d.send(side, d.cfgWrite(req))
	case *tlp.MemRd:
		d.send(side, d.memRead(req))
	case *tlp.MemWr:
		d.memWrite(req)
	default:
		log.Printf("device %v ignoring %T", d.id, p)
	}
}

func (d *SimDevice) send(side DeviceSide, p tlp.Packet) {
	if err := side.Send(p.ToBytes()); err != nil {
		log.Printf("device %v send: %v", d.id, err)
	}
}

func (d *SimDevice) cfgRead(req *tlp.CfgRd) tlp.Packet {
	off := req.RegisterOffset()

	data := make([]byte, tlp.DWLen)
	copy(data, d.cfg[off:off+tlp.DWLen])

	cpl, err := tlp.CplBuilder{}.
		WithCompleter(d.id).
		WithRequester(req.Requester).
		WithTag(req.Tag).
		WithStatus(tlp.CplSuccess).
		WithByteCount(tlp.DWLen).
		WithData(data).
		Build()
	if err != nil {
		log.Panicf("building config completion: %v", err)
	}
	return cpl
}

func (d *SimDevice) cfgWrite(req *tlp.CfgWr) tlp.Packet {
	off := req.RegisterOffset()

	for i := 0; i < tlp.DWLen; i++ {
		if req.FirstBE&(1<<i) != 0 {
			d.cfg[off+i] = req.Data[i]
		}
	}
	d.maskConfig(off)

	cpl, err := tlp.CplBuilder{}.
		WithCompleter(d.id).
		WithRequester(req.Requester).
		WithTag(req.Tag).
		WithStatus(tlp.CplSuccess).
		WithByteCount(tlp.DWLen).
		Build()
	if err != nil {
		log.Panicf("building config completion: %v", err)
	}
	return cpl
}

// maskConfig re-applies the hard-wired bits of a just-written register.
// BAR registers only implement the bits above their size, which is what
// makes the write-ones sizing probe work.
func (d *SimDevice) maskConfig(off int) {
	if off == cfgVendorID {
		// Vendor and device ID are read-only.
		binary.LittleEndian.PutUint32(d.cfg[cfgVendorID:], d.idDW)
		return
	}

	idx := (off - cfgBAR0) / tlp.DWLen
	if off < cfgBAR0 || idx >= bar.NumBARs {
		return
	}
	if d.sizeMask[idx] == 0 {
		// Unimplemented BARs read as zero. An upper half of a 64-bit
		// BAR has no flags and implements all bits.
		if idx == 0 || d.flags[idx-1]&0x4 == 0 {
			binary.LittleEndian.PutUint32(d.cfg[off:], 0)
		}
		return
	}

	v := binary.LittleEndian.Uint32(d.cfg[off:])
	v = v&d.sizeMask[idx] | d.flags[idx]
	binary.LittleEndian.PutUint32(d.cfg[off:], v)
}

// barBase reconstructs the programmed base address of an implemented
// BAR from config space.
func (d *SimDevice) barBase(idx int) uint64 {
	v := binary.LittleEndian.Uint32(d.cfg[cfgBAR0+idx*tlp.DWLen:])
	base := uint64(v &^ 0xf)
	if d.flags[idx]&0x4 != 0 && idx+1 < bar.NumBARs {
		hi := binary.LittleEndian.Uint32(d.cfg[cfgBAR0+(idx+1)*tlp.DWLen:])
		base |= uint64(hi) << 32
	}
	return base
}

// decode finds the implemented BAR containing a bus address and returns
// the device-local offset. The register bank is partitioned per BAR in
// 256 MiB strides.
func (d *SimDevice) decode(addr uint64) (uint64, bool) {
	for idx := 0; idx < bar.NumBARs; idx++ {
		if d.sizeMask[idx] == 0 {
			continue
		}
		size := uint64(-d.sizeMask[idx])
		base := d.barBase(idx)
		if base != 0 && addr >= base && addr < base+size {
			return uint64(idx)<<28 + (addr - base), true
		}
	}
	return 0, false
}

func (d *SimDevice) memRead(req *tlp.MemRd) tlp.Packet {
	off, ok := d.decode(req.Address)
	if !ok {
		return d.unsupported(req)
	}

	data, err := d.bank.Read(off, req.PayloadBytes())
	if err != nil {
		return d.unsupported(req)
	}

	cpl, err := tlp.CplForRead(d.id, req, data)
	if err != nil {
		log.Panicf("building read completion: %v", err)
	}
	return cpl
}

func (d *SimDevice) memWrite(req *tlp.MemWr) {
	off, ok := d.decode(req.Address)
	if !ok {
		log.Printf("device %v dropping write to unclaimed %#x",
			d.id, req.Address)
		return
	}

	skip := bits.TrailingZeros8(req.FirstBE)
	n := len(req.Data)
	if req.PayloadDW() > 1 {
		n -= 4 - bits.Len8(req.LastBE)
	} else {
		n = bits.Len8(req.FirstBE)
	}
	if req.FirstBE == 0 {
		return
	}
	if err := d.bank.Write(off+uint64(skip), req.Data[skip:n]); err != nil {
		log.Printf("device %v write: %v", d.id, err)
	}
}

func (d *SimDevice) unsupported(req *tlp.MemRd) tlp.Packet {
	cpl, err := tlp.CplBuilder{}.
		WithCompleter(d.id).
		WithRequester(req.Requester).
		WithTag(req.Tag).
		WithStatus(tlp.CplUnsupportedRequest).
		Build()
	if err != nil {
		log.Panicf("building UR completion: %v", err)
	}
	return cpl
}
