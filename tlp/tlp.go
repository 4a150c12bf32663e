// Package tlp encodes, decodes, and validates PCIe Transaction Layer
// Packets. The byte layout follows the 3- and 4-DW header formats of the
// PCIe Base Specification, rev 3.x.
package tlp

const (
	// DWLen is the number of bytes in a double word, the smallest
	// addressable unit of a TLP.
	DWLen = 4

	// MaxPayloadDW is the largest data payload a single TLP can carry,
	// in double words.
	MaxPayloadDW = 1024

	// MaxPacketLen is the size of a 4-DW header plus a maximum payload.
	MaxPacketLen = 4*DWLen + MaxPayloadDW*DWLen
)

const (
	fmt3DWNoData   = 0b000
	fmt4DWNoData   = 0b001
	fmt3DWWithData = 0b010
	fmt4DWWithData = 0b011
	fmtPrefix      = 0b100
)

// A Type is the combined format and type field in the first header byte.
// The format sub-field decides the header size and the presence of a data
// payload.
type Type uint8

// Supported format/type combinations. See Table 2-3 of the specification.
const (
	// MRd3 is a memory read request with a 32-bit address.
	MRd3 Type = (fmt3DWNoData << 5) | 0b00000
	// MRd4 is a memory read request with a 64-bit address.
	MRd4 Type = (fmt4DWNoData << 5) | 0b00000
	// MWr3 is a memory write request with a 32-bit address.
	MWr3 Type = (fmt3DWWithData << 5) | 0b00000
	// MWr4 is a memory write request with a 64-bit address.
	MWr4 Type = (fmt4DWWithData << 5) | 0b00000
	// IORdT is an I/O read request.
	IORdT Type = (fmt3DWNoData << 5) | 0b00010
	// IOWrtT is an I/O write request.
	IOWrtT Type = (fmt3DWWithData << 5) | 0b00010
	// CfgRd0 is a type 0 configuration read request.
	CfgRd0 Type = (fmt3DWNoData << 5) | 0b00100
	// CfgWr0 is a type 0 configuration write request.
	CfgWr0 Type = (fmt3DWWithData << 5) | 0b00100
	// CplE is a completion without data.
	CplE Type = (fmt3DWNoData << 5) | 0b01010
	// CplD is a completion with data.
	CplD Type = (fmt3DWWithData << 5) | 0b01010
)

const msgTypeBase = 0b10000

// MsgType returns the Type value of a message request with the given
// routing sub-field. Messages always use the 4-DW header.
func MsgType(routing MsgRouting, withData bool) Type {
	if withData {
		return Type((fmt4DWWithData << 5) | msgTypeBase | uint8(routing&0b111))
	}
	return Type((fmt4DWNoData << 5) | msgTypeBase | uint8(routing&0b111))
}

// IsMsg reports whether the type encodes a message request.
func (t Type) IsMsg() bool {
	return t&0b11000 == msgTypeBase &&
		(t.fmt() == fmt4DWNoData || t.fmt() == fmt4DWWithData)
}

func (t Type) fmt() uint8 {
	return uint8(t) >> 5
}

// HasData reports whether packets of this type carry a data payload.
func (t Type) HasData() bool {
	f := t.fmt()
	return f == fmt3DWWithData || f == fmt4DWWithData
}

// Is4DW reports whether the type uses the 4-DW header format.
func (t Type) Is4DW() bool {
	f := t.fmt()
	return f == fmt4DWNoData || f == fmt4DWWithData
}

// HeaderLen returns the header size in bytes.
func (t Type) HeaderLen() int {
	if t.Is4DW() {
		return 4 * DWLen
	}
	return 3 * DWLen
}

// A Class groups transaction types by their flow-control and ordering
// behavior. Posted requests need no completion. Non-posted requests are
// outstanding until a matching completion arrives.
type Class int

// The three flow-control classes.
const (
	Posted Class = iota
	NonPosted
	Completion
	numClasses
)

// NumClasses is the number of distinct flow-control classes.
const NumClasses = int(numClasses)

func (c Class) String() string {
	switch c {
	case Posted:
		return "posted"
	case NonPosted:
		return "non-posted"
	case Completion:
		return "completion"
	}
	return "unknown"
}

// ClassOf returns the flow-control class of a type. Writes to I/O and
// configuration space are non-posted, unlike memory writes.
func ClassOf(t Type) Class {
	switch t {
	case MWr3, MWr4:
		return Posted
	case CplE, CplD:
		return Completion
	}
	if t.IsMsg() {
		return Posted
	}
	return NonPosted
}

// MsgRouting is the routing sub-field of a message request type.
type MsgRouting uint8

// Message routing mechanisms.
const (
	RouteToRootComplex MsgRouting = 0b000
	RouteByAddress     MsgRouting = 0b001
	RouteByID          MsgRouting = 0b010
	RouteBroadcast     MsgRouting = 0b011
	RouteLocal         MsgRouting = 0b100
	RouteGatherToRoot  MsgRouting = 0b101
)

// A TrafficClass selects one of the eight quality-of-service classes.
type TrafficClass uint8

// Traffic classes TC0 through TC7.
const (
	TC0 TrafficClass = iota
	TC1
	TC2
	TC3
	TC4
	TC5
	TC6
	TC7
)

// An AddressType is the AT field of a request header.
type AddressType uint8

// Address type encodings.
const (
	ATDefault            AddressType = 0b00
	ATTranslationRequest AddressType = 0b01
	ATTranslated         AddressType = 0b10
	ATReserved           AddressType = 0b11
)

// A CplStatus is the completion status field of a completion header.
type CplStatus uint8

// Completion status encodings.
const (
	CplSuccess            CplStatus = 0b000
	CplUnsupportedRequest CplStatus = 0b001
	CplConfigRetry        CplStatus = 0b010
	CplAbort              CplStatus = 0b100
)

func (s CplStatus) String() string {
	switch s {
	case CplSuccess:
		return "SC"
	case CplUnsupportedRequest:
		return "UR"
	case CplConfigRetry:
		return "CRS"
	case CplAbort:
		return "CA"
	}
	return "reserved"
}
