package tlp

import "encoding/binary"

// A Packet is a decoded transaction layer packet of any type.
type Packet interface {
	// Common returns the first header DW shared by all packet types.
	Common() *Header

	// Class returns the flow-control class the packet belongs to.
	Class() Class

	// ToBytes encodes the packet to its wire format.
	ToBytes() []byte
}

// A MemRd is a memory read request. It is non-posted: the completer must
// answer with a completion carrying the data.
type MemRd struct {
	RequestHeader
	Address uint64
}

// Common returns the shared header DW.
func (p *MemRd) Common() *Header { return &p.Header }

// Class returns NonPosted.
func (p *MemRd) Class() Class { return NonPosted }

// ToBytes encodes the request to wire format.
func (p *MemRd) ToBytes() []byte {
	buf := make([]byte, p.Type.HeaderLen())
	p.RequestHeader.encode(buf)
	encodeAddress(buf[8:], p.Address, p.Type.Is4DW())
	return buf
}

// A MemWr is a posted memory write request carrying its payload.
type MemWr struct {
	RequestHeader
	Address uint64
	Data    []byte
}

// Common returns the shared header DW.
func (p *MemWr) Common() *Header { return &p.Header }

// Class returns Posted.
func (p *MemWr) Class() Class { return Posted }

// ToBytes encodes the request to wire format.
func (p *MemWr) ToBytes() []byte {
	hdrLen := p.Type.HeaderLen()
	buf := make([]byte, hdrLen+len(p.Data))
	p.RequestHeader.encode(buf)
	encodeAddress(buf[8:], p.Address, p.Type.Is4DW())
	copy(buf[hdrLen:], p.Data)
	return buf
}

// An IORd is an I/O space read request. I/O requests always use 32-bit
// addresses and are non-posted.
type IORd struct {
	RequestHeader
	Address uint64
}

// Common returns the shared header DW.
func (p *IORd) Common() *Header { return &p.Header }

// Class returns NonPosted.
func (p *IORd) Class() Class { return NonPosted }

// ToBytes encodes the request to wire format.
func (p *IORd) ToBytes() []byte {
	buf := make([]byte, 3*DWLen)
	p.RequestHeader.encode(buf)
	encodeAddress(buf[8:], p.Address, false)
	return buf
}

// An IOWrt is an I/O space write request. Unlike memory writes, I/O
// writes are non-posted.
type IOWrt struct {
	RequestHeader
	Address uint64
	Data    []byte
}

// Common returns the shared header DW.
func (p *IOWrt) Common() *Header { return &p.Header }

// Class returns NonPosted.
func (p *IOWrt) Class() Class { return NonPosted }

// ToBytes encodes the request to wire format.
func (p *IOWrt) ToBytes() []byte {
	buf := make([]byte, 3*DWLen+len(p.Data))
	p.RequestHeader.encode(buf)
	encodeAddress(buf[8:], p.Address, false)
	copy(buf[3*DWLen:], p.Data)
	return buf
}

// A CfgRd is a type 0 configuration read request.
type CfgRd struct {
	CfgHeader
}

// Common returns the shared header DW.
func (p *CfgRd) Common() *Header { return &p.Header }

// Class returns NonPosted.
func (p *CfgRd) Class() Class { return NonPosted }

// ToBytes encodes the request to wire format.
func (p *CfgRd) ToBytes() []byte {
	buf := make([]byte, 3*DWLen)
	p.CfgHeader.encode(buf)
	return buf
}

// A CfgWr is a type 0 configuration write request. Configuration writes
// are non-posted and complete with a CplE.
type CfgWr struct {
	CfgHeader
	Data []byte
}

// Common returns the shared header DW.
func (p *CfgWr) Common() *Header { return &p.Header }

// Class returns NonPosted.
func (p *CfgWr) Class() Class { return NonPosted }

// ToBytes encodes the request to wire format.
func (p *CfgWr) ToBytes() []byte {
	buf := make([]byte, 3*DWLen+len(p.Data))
	p.CfgHeader.encode(buf)
	copy(buf[3*DWLen:], p.Data)
	return buf
}

// A Cpl is a completion, with or without data depending on its type.
type Cpl struct {
	CplHeader
	Data []byte
}

// Common returns the shared header DW.
func (p *Cpl) Common() *Header { return &p.Header }

// Class returns Completion.
func (p *Cpl) Class() Class { return Completion }

// ToBytes encodes the completion to wire format.
func (p *Cpl) ToBytes() []byte {
	buf := make([]byte, 3*DWLen+len(p.Data))
	p.CplHeader.encode(buf)
	copy(buf[3*DWLen:], p.Data)
	return buf
}

// A Msg is a message request. Messages always use the 4-DW header; the
// second DW carries the requester and message code, and the meaning of the
// third and fourth DW depends on the code.
type Msg struct {
	Header

	Requester DeviceID
	Tag       uint8
	Code      uint8

	// DW2 and DW3 are the message-specific third and fourth header DW,
	// kept raw. For vendor-defined messages DW2 carries the target and
	// vendor IDs.
	DW2 uint32
	DW3 uint32

	Data []byte
}

// Common returns the shared header DW.
func (p *Msg) Common() *Header { return &p.Header }

// Class returns Posted. All messages are posted.
func (p *Msg) Class() Class { return Posted }

// Routing returns the routing sub-field of the message type.
func (p *Msg) Routing() MsgRouting {
	return MsgRouting(p.Type & 0b111)
}

// ToBytes encodes the message to wire format.
func (p *Msg) ToBytes() []byte {
	buf := make([]byte, 4*DWLen+len(p.Data))
	p.Header.encode(buf)
	binary.BigEndian.PutUint16(buf[4:], p.Requester.Uint16())
	buf[6] = p.Tag
	buf[7] = p.Code
	binary.BigEndian.PutUint32(buf[8:], p.DW2)
	binary.BigEndian.PutUint32(buf[12:], p.DW3)
	copy(buf[4*DWLen:], p.Data)
	return buf
}

func (p *Msg) decodeBody(src []byte) {
	p.Requester = NewDeviceID(binary.BigEndian.Uint16(src[4:]))
	p.Tag = src[6]
	p.Code = src[7]
	p.DW2 = binary.BigEndian.Uint32(src[8:])
	p.DW3 = binary.BigEndian.Uint32(src[12:])
}
