package tlp

// MemRdBuilder can build memory read requests. The builder accepts an
// arbitrary byte range and derives the DW-aligned address, length, and
// byte enables the wire format requires.
type MemRdBuilder struct {
	requester DeviceID
	tag       uint8
	address   uint64
	byteLen   int
}

// WithRequester sets the requester ID of the request to build.
func (b MemRdBuilder) WithRequester(id DeviceID) MemRdBuilder {
	b.requester = id
	return b
}

// WithTag sets the tag of the request to build.
func (b MemRdBuilder) WithTag(tag uint8) MemRdBuilder {
	b.tag = tag
	return b
}

// WithAddress sets the first byte address to read.
func (b MemRdBuilder) WithAddress(addr uint64) MemRdBuilder {
	b.address = addr
	return b
}

// WithByteLen sets the number of bytes to read.
func (b MemRdBuilder) WithByteLen(n int) MemRdBuilder {
	b.byteLen = n
	return b
}

// Build creates the memory read request.
func (b MemRdBuilder) Build() (*MemRd, error) {
	if b.byteLen <= 0 || b.byteLen > MaxPayloadDW*DWLen {
		return nil, parseErrorf("read of %d bytes out of range", b.byteLen)
	}

	start, lengthDW, firstBE, lastBE := span(b.address, b.byteLen)

	p := &MemRd{}
	p.Type = memType(start, false)
	p.Requester = b.requester
	p.Tag = b.tag
	p.Address = start
	p.Length = lengthDW % MaxPayloadDW
	p.FirstBE = firstBE
	p.LastBE = lastBE
	return p, nil
}

// MemWrBuilder can build posted memory write requests.
type MemWrBuilder struct {
	requester DeviceID
	address   uint64
	data      []byte
}

// WithRequester sets the requester ID of the request to build.
func (b MemWrBuilder) WithRequester(id DeviceID) MemWrBuilder {
	b.requester = id
	return b
}

// WithAddress sets the first byte address to write.
func (b MemWrBuilder) WithAddress(addr uint64) MemWrBuilder {
	b.address = addr
	return b
}

// WithData sets the bytes to write, starting at the byte address.
func (b MemWrBuilder) WithData(data []byte) MemWrBuilder {
	b.data = data
	return b
}

// Build creates the memory write request. The payload is padded to full
// DWs; the byte enables mark the written bytes within the edge DWs.
func (b MemWrBuilder) Build() (*MemWr, error) {
	if len(b.data) == 0 || len(b.data) > MaxPayloadDW*DWLen {
		return nil, parseErrorf("write of %d bytes out of range", len(b.data))
	}

	start, lengthDW, firstBE, lastBE := span(b.address, len(b.data))

	payload := make([]byte, lengthDW*DWLen)
	copy(payload[b.address-start:], b.data)

	p := &MemWr{}
	p.Type = memType(start, true)
	p.Requester = b.requester
	p.Address = start
	p.Length = lengthDW % MaxPayloadDW
	p.FirstBE = firstBE
	p.LastBE = lastBE
	p.Data = payload
	return p, nil
}

func memType(addr uint64, write bool) Type {
	is64 := addr > maxUint32
	switch {
	case write && is64:
		return MWr4
	case write:
		return MWr3
	case is64:
		return MRd4
	default:
		return MRd3
	}
}

// CfgRdBuilder can build type 0 configuration read requests.
type CfgRdBuilder struct {
	requester DeviceID
	target    DeviceID
	tag       uint8
	register  int
}

// WithRequester sets the requester ID of the request to build.
func (b CfgRdBuilder) WithRequester(id DeviceID) CfgRdBuilder {
	b.requester = id
	return b
}

// WithTarget sets the function whose config space is read.
func (b CfgRdBuilder) WithTarget(id DeviceID) CfgRdBuilder {
	b.target = id
	return b
}

// WithTag sets the tag of the request to build.
func (b CfgRdBuilder) WithTag(tag uint8) CfgRdBuilder {
	b.tag = tag
	return b
}

// WithRegister sets the DW register index to read, including the
// extended register number.
func (b CfgRdBuilder) WithRegister(reg int) CfgRdBuilder {
	b.register = reg
	return b
}

// Build creates the configuration read request.
func (b CfgRdBuilder) Build() *CfgRd {
	p := &CfgRd{}
	p.Type = CfgRd0
	p.Length = 1
	p.Requester = b.requester
	p.Tag = b.tag
	p.FirstBE = 0xf
	p.Target = b.target
	p.Register = b.register & 0x3f
	p.ExtRegister = b.register >> 6 & 0xf
	return p
}

// CfgWrBuilder can build type 0 configuration write requests.
type CfgWrBuilder struct {
	requester DeviceID
	target    DeviceID
	tag       uint8
	register  int
	firstBE   uint8
	data      [DWLen]byte
}

// WithRequester sets the requester ID of the request to build.
func (b CfgWrBuilder) WithRequester(id DeviceID) CfgWrBuilder {
	b.requester = id
	return b
}

// WithTarget sets the function whose config space is written.
func (b CfgWrBuilder) WithTarget(id DeviceID) CfgWrBuilder {
	b.target = id
	return b
}

// WithTag sets the tag of the request to build.
func (b CfgWrBuilder) WithTag(tag uint8) CfgWrBuilder {
	b.tag = tag
	return b
}

// WithRegister sets the DW register index to write, including the
// extended register number.
func (b CfgWrBuilder) WithRegister(reg int) CfgWrBuilder {
	b.register = reg
	return b
}

// WithData sets the DW to write. Bytes outside the enabled set are
// carried but ignored by the completer.
func (b CfgWrBuilder) WithData(data [DWLen]byte) CfgWrBuilder {
	b.data = data
	return b
}

// WithFirstBE selects the bytes of the DW that take effect.
func (b CfgWrBuilder) WithFirstBE(be uint8) CfgWrBuilder {
	b.firstBE = be & 0xf
	return b
}

// Build creates the configuration write request.
func (b CfgWrBuilder) Build() *CfgWr {
	p := &CfgWr{}
	p.Type = CfgWr0
	p.Length = 1
	p.Requester = b.requester
	p.Tag = b.tag
	p.FirstBE = b.firstBE
	if p.FirstBE == 0 {
		p.FirstBE = 0xf
	}
	p.Target = b.target
	p.Register = b.register & 0x3f
	p.ExtRegister = b.register >> 6 & 0xf
	p.Data = clone(b.data[:])
	return p
}

// CplBuilder can build completions.
type CplBuilder struct {
	completer DeviceID
	requester DeviceID
	tag       uint8
	status    CplStatus
	byteCount int
	lowAddr   uint8
	data      []byte
}

// WithCompleter sets the completer ID of the completion to build.
func (b CplBuilder) WithCompleter(id DeviceID) CplBuilder {
	b.completer = id
	return b
}

// WithRequester sets the requester the completion is returned to.
func (b CplBuilder) WithRequester(id DeviceID) CplBuilder {
	b.requester = id
	return b
}

// WithTag sets the tag of the original request.
func (b CplBuilder) WithTag(tag uint8) CplBuilder {
	b.tag = tag
	return b
}

// WithStatus sets the completion status.
func (b CplBuilder) WithStatus(status CplStatus) CplBuilder {
	b.status = status
	return b
}

// WithByteCount sets the remaining byte count.
func (b CplBuilder) WithByteCount(count int) CplBuilder {
	b.byteCount = count
	return b
}

// WithLowerAddress sets the lower-address field.
func (b CplBuilder) WithLowerAddress(addr uint8) CplBuilder {
	b.lowAddr = addr
	return b
}

// WithData sets the DW-aligned payload, making the completion a CplD.
func (b CplBuilder) WithData(data []byte) CplBuilder {
	b.data = data
	return b
}

// Build creates the completion.
func (b CplBuilder) Build() (*Cpl, error) {
	p := &Cpl{}
	p.Completer = b.completer
	p.Requester = b.requester
	p.Tag = b.tag
	p.Status = b.status
	p.ByteCount = b.byteCount & 0xfff
	p.LowerAddress = b.lowAddr & 0x7f

	if len(b.data) > 0 {
		p.Type = CplD
		if err := p.SetLength(len(b.data)); err != nil {
			return nil, err
		}
		p.Data = clone(b.data)
	} else {
		p.Type = CplE
	}
	return p, nil
}

// CplForRead builds a successful completion answering a memory read, with
// the byte count and lower address derived from the request.
func CplForRead(completer DeviceID, req *MemRd, data []byte) (*Cpl, error) {
	if len(data) != req.PayloadBytes() {
		return nil, parseErrorf(
			"completion data of %d bytes, request asked for %d",
			len(data), req.PayloadBytes())
	}
	return CplBuilder{}.
		WithCompleter(completer).
		WithRequester(req.Requester).
		WithTag(req.Tag).
		WithStatus(CplSuccess).
		WithByteCount(ReadByteCount(req.FirstBE, req.LastBE, req.PayloadDW())).
		WithLowerAddress(ReadLowerAddress(req.FirstBE, req.Address)).
		WithData(data).
		Build()
}

// MsgBuilder can build message requests.
type MsgBuilder struct {
	requester DeviceID
	tag       uint8
	code      uint8
	routing   MsgRouting
	dw2, dw3  uint32
	data      []byte
}

// WithRequester sets the requester ID of the message to build.
func (b MsgBuilder) WithRequester(id DeviceID) MsgBuilder {
	b.requester = id
	return b
}

// WithTag sets the tag of the message to build.
func (b MsgBuilder) WithTag(tag uint8) MsgBuilder {
	b.tag = tag
	return b
}

// WithCode sets the message code.
func (b MsgBuilder) WithCode(code uint8) MsgBuilder {
	b.code = code
	return b
}

// WithRouting sets the routing sub-field.
func (b MsgBuilder) WithRouting(r MsgRouting) MsgBuilder {
	b.routing = r
	return b
}

// WithBody sets the message-specific third and fourth header DW.
func (b MsgBuilder) WithBody(dw2, dw3 uint32) MsgBuilder {
	b.dw2 = dw2
	b.dw3 = dw3
	return b
}

// WithData sets the DW-aligned payload, making the message a MsgD.
func (b MsgBuilder) WithData(data []byte) MsgBuilder {
	b.data = data
	return b
}

// Build creates the message request.
func (b MsgBuilder) Build() (*Msg, error) {
	p := &Msg{}
	p.Type = MsgType(b.routing, len(b.data) > 0)
	p.Requester = b.requester
	p.Tag = b.tag
	p.Code = b.code
	p.DW2 = b.dw2
	p.DW3 = b.dw3
	if len(b.data) > 0 {
		if err := p.SetLength(len(b.data)); err != nil {
			return nil, err
		}
		p.Data = clone(b.data)
	}
	return p, nil
}
