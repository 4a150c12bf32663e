package tlp

// Validate checks a decoded packet against the transaction layer rules.
// A packet that fails validation decoded cleanly but must not be serviced;
// the error wraps ErrValidate and names the violated rule.
func Validate(p Packet) error {
	hdr := p.Common()

	if hdr.reserved {
		return validateErrorf("reserved header bit set")
	}
	if hdr.TD {
		return validateErrorf("TLP digests are not supported")
	}

	switch p := p.(type) {
	case *MemRd:
		return validateMemRequest(&p.RequestHeader, p.Address, nil, false)
	case *MemWr:
		return validateMemRequest(&p.RequestHeader, p.Address, p.Data, true)
	case *IORd:
		return validateIORequest(&p.RequestHeader, p.Address, nil, false)
	case *IOWrt:
		return validateIORequest(&p.RequestHeader, p.Address, p.Data, true)
	case *CfgRd:
		return validateCfgRequest(&p.CfgHeader, nil, false)
	case *CfgWr:
		return validateCfgRequest(&p.CfgHeader, p.Data, true)
	case *Cpl:
		return validateCpl(p)
	case *Msg:
		return validateMsg(p)
	}

	return validateErrorf("unrecognized packet type %T", p)
}

func validateMemRequest(
	h *RequestHeader,
	addr uint64,
	data []byte,
	hasData bool,
) error {
	if addr&0b11 != 0 {
		return validateErrorf("memory request address %#x is not DW aligned",
			addr)
	}
	if addr <= maxUint32 && h.Type.Is4DW() {
		// 2.2.4.1: addresses below 4 GB must use the 32-bit format.
		return validateErrorf(
			"64-bit header format used for 32-bit address %#x", addr)
	}
	if hasData {
		if err := payloadMustMatchLength(&h.Header, data); err != nil {
			return err
		}
	}
	return byteEnablesMustBeLegal(h)
}

func validateIORequest(
	h *RequestHeader,
	addr uint64,
	data []byte,
	hasData bool,
) error {
	if addr > maxUint32 {
		return validateErrorf("I/O request address %#x above 4 GB", addr)
	}
	if h.TC != TC0 || h.RO || h.NS {
		return validateErrorf("I/O requests must use TC0 without attributes")
	}
	if h.PayloadDW() != 1 {
		return validateErrorf("I/O request length %d, must be 1 DW",
			h.PayloadDW())
	}
	if h.LastBE != 0 {
		return validateErrorf("I/O request last BE %#x, must be 0", h.LastBE)
	}
	if hasData {
		if err := payloadMustMatchLength(&h.Header, data); err != nil {
			return err
		}
	}
	return nil
}

func validateCfgRequest(h *CfgHeader, data []byte, hasData bool) error {
	// 2.2.7: configuration requests are restricted to TC0 and default
	// attributes, and address exactly one DW.
	if h.TC != TC0 || h.RO || h.NS {
		return validateErrorf("config requests must use TC0 without attributes")
	}
	if h.PayloadDW() != 1 {
		return validateErrorf("config request length %d, must be 1 DW",
			h.PayloadDW())
	}
	if h.LastBE != 0 {
		return validateErrorf("config request last BE %#x, must be 0",
			h.LastBE)
	}
	if hasData {
		if err := payloadMustMatchLength(&h.Header, data); err != nil {
			return err
		}
	}
	return nil
}

func validateCpl(p *Cpl) error {
	switch p.Status {
	case CplSuccess, CplUnsupportedRequest, CplConfigRetry, CplAbort:
	default:
		return validateErrorf("reserved completion status %#b",
			uint8(p.Status))
	}
	if p.Type.HasData() {
		if p.Status != CplSuccess {
			return validateErrorf(
				"completion with data carries status %v", p.Status)
		}
		return payloadMustMatchLength(&p.Header, p.Data)
	}
	if len(p.Data) != 0 {
		return validateErrorf("CplE carries %d bytes of data", len(p.Data))
	}
	return nil
}

func validateMsg(p *Msg) error {
	switch p.Routing() {
	case RouteToRootComplex, RouteByAddress, RouteByID,
		RouteBroadcast, RouteLocal, RouteGatherToRoot:
	default:
		return validateErrorf("reserved message routing %#b",
			uint8(p.Routing()))
	}
	if p.Type.HasData() {
		return payloadMustMatchLength(&p.Header, p.Data)
	}
	if len(p.Data) != 0 {
		return validateErrorf("message without data carries %d bytes",
			len(p.Data))
	}
	return nil
}

func payloadMustMatchLength(h *Header, data []byte) error {
	if len(data) != h.PayloadBytes() {
		return validateErrorf(
			"payload of %d bytes does not match the %d the length field encodes",
			len(data), h.PayloadBytes())
	}
	return nil
}

// byteEnablesMustBeLegal enforces the first/last DW byte enable rules of
// section 2.2.5 for memory requests.
func byteEnablesMustBeLegal(h *RequestHeader) error {
	if h.PayloadDW() == 1 {
		if h.LastBE != 0 {
			return validateErrorf(
				"single-DW request with last BE %#x, must be 0", h.LastBE)
		}
		return nil
	}

	if h.FirstBE == 0 {
		return validateErrorf("multi-DW request with first BE 0")
	}
	if h.LastBE == 0 {
		return validateErrorf("multi-DW request with last BE 0")
	}
	if !contiguousHigh(h.FirstBE) {
		return validateErrorf(
			"multi-DW request with discontiguous first BE %#x", h.FirstBE)
	}
	if !contiguousLow(h.LastBE) {
		return validateErrorf(
			"multi-DW request with discontiguous last BE %#x", h.LastBE)
	}
	return nil
}

// contiguousHigh reports whether the set bits run contiguously up to bit 3.
func contiguousHigh(be uint8) bool {
	switch be & 0xf {
	case 0b1111, 0b1110, 0b1100, 0b1000:
		return true
	}
	return false
}

// contiguousLow reports whether the set bits run contiguously from bit 0.
func contiguousLow(be uint8) bool {
	switch be & 0xf {
	case 0b0001, 0b0011, 0b0111, 0b1111:
		return true
	}
	return false
}

const maxUint32 = 1<<32 - 1
