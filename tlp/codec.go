package tlp

// Decode parses a raw TLP into its typed representation. It fails with an
// error wrapping ErrParse when the buffer cannot be framed as a packet of
// a supported type. Decode never panics, whatever the input.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 3*DWLen {
		return nil, parseErrorf(
			"buffer of %d bytes is shorter than the minimum 3-DW header",
			len(raw))
	}

	var hdr Header
	hdr.decode(raw)

	t := hdr.Type
	want := t.HeaderLen()
	if t.HasData() {
		want += hdr.PayloadBytes()
	}
	if hdr.TD {
		want += DWLen
	}
	if len(raw) < want {
		return nil, parseErrorf(
			"buffer of %d bytes is shorter than the %d the header announces",
			len(raw), want)
	}
	if len(raw) > want {
		return nil, parseErrorf(
			"%d trailing bytes after a %d byte packet", len(raw)-want, want)
	}

	body := raw[:len(raw)-digestLen(hdr)]

	switch t {
	case MRd3, MRd4:
		p := &MemRd{}
		p.RequestHeader.decode(body)
		p.Address = decodeAddress(body[8:], t.Is4DW())
		return p, nil

	case MWr3, MWr4:
		p := &MemWr{}
		p.RequestHeader.decode(body)
		p.Address = decodeAddress(body[8:], t.Is4DW())
		p.Data = clone(body[t.HeaderLen():])
		return p, nil

	case IORdT:
		p := &IORd{}
		p.RequestHeader.decode(body)
		p.Address = decodeAddress(body[8:], false)
		return p, nil

	case IOWrtT:
		p := &IOWrt{}
		p.RequestHeader.decode(body)
		p.Address = decodeAddress(body[8:], false)
		p.Data = clone(body[3*DWLen:])
		return p, nil

	case CfgRd0:
		p := &CfgRd{}
		p.CfgHeader.decode(body)
		return p, nil

	case CfgWr0:
		p := &CfgWr{}
		p.CfgHeader.decode(body)
		p.Data = clone(body[3*DWLen:])
		return p, nil

	case CplE, CplD:
		p := &Cpl{}
		p.CplHeader.decode(body)
		if t.HasData() {
			p.Data = clone(body[3*DWLen:])
		}
		return p, nil
	}

	if t.IsMsg() {
		p := &Msg{}
		p.Header = hdr
		p.decodeBody(body)
		if t.HasData() {
			p.Data = clone(body[4*DWLen:])
		}
		return p, nil
	}

	return nil, parseErrorf("unsupported format/type byte %#02x", uint8(t))
}

func digestLen(hdr Header) int {
	if hdr.TD {
		return DWLen
	}
	return 0
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
