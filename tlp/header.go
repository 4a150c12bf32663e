package tlp

import "encoding/binary"

// A Header is the first double word shared by every TLP.
type Header struct {
	Type Type
	TC   TrafficClass
	AT   AddressType

	// Attribute bits: relaxed ordering, no-snoop, ID-based ordering.
	RO  bool
	NS  bool
	IBO bool

	// TD marks a trailing digest; EP marks poisoned data; TH marks the
	// presence of processing hints; LN marks an LN read or write.
	TD bool
	EP bool
	TH bool
	LN bool

	// Length is the encoded payload length field (10 bits). A value of
	// zero encodes the maximum of 1024 DW.
	Length int

	// reserved records any reserved bit observed non-zero during decode
	// so that validation can reject the packet.
	reserved bool
}

func boolBit(v bool, pos int) byte {
	if v {
		return 1 << pos
	}
	return 0
}

func bitSet(b byte, pos int) bool {
	return b>>pos&1 != 0
}

func (h *Header) encode(dst []byte) {
	dst[0] = byte(h.Type)
	dst[1] = byte(h.TC)<<4 |
		boolBit(h.IBO, 2) | boolBit(h.LN, 1) | boolBit(h.TH, 0)
	dst[2] = boolBit(h.TD, 7) | boolBit(h.EP, 6) |
		boolBit(h.RO, 5) | boolBit(h.NS, 4) |
		byte(h.AT)<<2 | byte(h.Length>>8&0b11)
	dst[3] = byte(h.Length)
}

func (h *Header) decode(src []byte) {
	h.Type = Type(src[0])
	h.TC = TrafficClass(src[1] >> 4 & 0b111)
	h.IBO = bitSet(src[1], 2)
	h.LN = bitSet(src[1], 1)
	h.TH = bitSet(src[1], 0)
	h.TD = bitSet(src[2], 7)
	h.EP = bitSet(src[2], 6)
	h.RO = bitSet(src[2], 5)
	h.NS = bitSet(src[2], 4)
	h.AT = AddressType(src[2] >> 2 & 0b11)
	h.Length = int(src[2]&0b11)<<8 | int(src[3])

	if bitSet(src[1], 7) || bitSet(src[1], 3) {
		h.reserved = true
	}
}

// PayloadDW decodes the length field to a DW count.
// See Table 2-4, Length[9:0] field encoding.
func (h *Header) PayloadDW() int {
	if h.Length == 0 {
		return MaxPayloadDW
	}
	return h.Length
}

// PayloadBytes returns the payload size in bytes.
func (h *Header) PayloadBytes() int {
	return h.PayloadDW() * DWLen
}

// SetLength sets the encoded length field from a byte count. The count
// must be DW aligned and no larger than the maximum payload.
func (h *Header) SetLength(byteLen int) error {
	if byteLen&0b11 != 0 {
		return parseErrorf("payload length %d is not DW aligned", byteLen)
	}
	if byteLen > MaxPayloadDW*DWLen {
		return parseErrorf("payload length %d exceeds the %d byte maximum",
			byteLen, MaxPayloadDW*DWLen)
	}
	h.Length = byteLen >> 2 % MaxPayloadDW
	return nil
}

// A RequestHeader extends the common header with the second DW of memory,
// I/O, and message requests.
type RequestHeader struct {
	Header

	// Requester is the function that issued the request and that the
	// eventual completion must be returned to.
	Requester DeviceID

	// Tag distinguishes outstanding requests from the same requester.
	Tag uint8

	// First and last DW byte enables.
	FirstBE uint8
	LastBE  uint8
}

func (h *RequestHeader) encode(dst []byte) {
	h.Header.encode(dst)
	binary.BigEndian.PutUint16(dst[4:], h.Requester.Uint16())
	dst[6] = h.Tag
	dst[7] = h.LastBE<<4 | h.FirstBE&0xf
}

func (h *RequestHeader) decode(src []byte) {
	h.Header.decode(src)
	h.Requester = NewDeviceID(binary.BigEndian.Uint16(src[4:]))
	h.Tag = src[6]
	h.FirstBE = src[7] & 0xf
	h.LastBE = src[7] >> 4
}

// SetByteEnables fills in the contiguous full-DW byte enable pattern for
// the current length. See section 2.2.5.
func (h *RequestHeader) SetByteEnables() {
	h.FirstBE = 0xf
	if h.PayloadDW() == 1 {
		h.LastBE = 0
	} else {
		h.LastBE = 0xf
	}
}

// A CplHeader extends the common header with the second and third DW of a
// completion.
type CplHeader struct {
	Header

	// Completer is the function returning the completion.
	Completer DeviceID

	// Status reports the outcome of the request.
	Status CplStatus

	// BCM is set by PCI-X bridges that modified the byte count.
	BCM bool

	// ByteCount is the number of bytes remaining for the request,
	// including those in this completion (12 bits).
	ByteCount int

	// Requester and Tag identify the original request.
	Requester DeviceID
	Tag       uint8

	// LowerAddress is the low 7 bits of the address of the first enabled
	// byte returned.
	LowerAddress uint8
}

func (h *CplHeader) encode(dst []byte) {
	h.Header.encode(dst)
	binary.BigEndian.PutUint16(dst[4:], h.Completer.Uint16())
	dst[6] = byte(h.Status)<<5 | boolBit(h.BCM, 4) | byte(h.ByteCount>>8&0xf)
	dst[7] = byte(h.ByteCount)
	binary.BigEndian.PutUint16(dst[8:], h.Requester.Uint16())
	dst[10] = h.Tag
	dst[11] = h.LowerAddress & 0x7f
}

func (h *CplHeader) decode(src []byte) {
	h.Header.decode(src)
	h.Completer = NewDeviceID(binary.BigEndian.Uint16(src[4:]))
	h.Status = CplStatus(src[6] >> 5)
	h.BCM = bitSet(src[6], 4)
	h.ByteCount = int(src[6]&0xf)<<8 | int(src[7])
	h.Requester = NewDeviceID(binary.BigEndian.Uint16(src[8:]))
	h.Tag = src[10]
	h.LowerAddress = src[11] & 0x7f

	if bitSet(src[11], 7) {
		h.reserved = true
	}
}

// A CfgHeader extends the request header with the third DW of a type 0
// configuration request.
type CfgHeader struct {
	RequestHeader

	// Target is the function whose configuration space is addressed.
	Target DeviceID

	// Register is the DW register number (6 bits) and ExtRegister the
	// extended register number (4 bits) of the addressed config register.
	Register    int
	ExtRegister int
}

func (h *CfgHeader) encode(dst []byte) {
	h.RequestHeader.encode(dst)
	binary.BigEndian.PutUint16(dst[8:], h.Target.Uint16())
	dst[10] = byte(h.ExtRegister & 0xf)
	dst[11] = byte(h.Register << 2)
}

func (h *CfgHeader) decode(src []byte) {
	h.RequestHeader.decode(src)
	h.Target = NewDeviceID(binary.BigEndian.Uint16(src[8:]))
	h.ExtRegister = int(src[10] & 0xf)
	h.Register = int(src[11] >> 2)

	if src[10]&0xf0 != 0 || src[11]&0b11 != 0 {
		h.reserved = true
	}
}

// RegisterOffset returns the byte offset into configuration space
// addressed by the register number fields.
func (h *CfgHeader) RegisterOffset() int {
	return h.ExtRegister<<8 | h.Register<<2
}

func encodeAddress(dst []byte, addr uint64, is4DW bool) {
	if is4DW {
		binary.BigEndian.PutUint32(dst, uint32(addr>>32))
		dst = dst[4:]
	}
	// The low two address bits are reserved for the processing hint.
	binary.BigEndian.PutUint32(dst, uint32(addr)&^0b11)
}

func decodeAddress(src []byte, is4DW bool) uint64 {
	if is4DW {
		high := uint64(binary.BigEndian.Uint32(src))
		return high<<32 | uint64(binary.BigEndian.Uint32(src[4:]))&^0b11
	}
	return uint64(binary.BigEndian.Uint32(src)) &^ 0b11
}
