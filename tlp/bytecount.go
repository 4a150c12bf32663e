package tlp

import "math/bits"

// ReadByteCount derives the completion byte count from the length and byte
// enable fields of a read request. See Table 2-37.
func ReadByteCount(firstBE, lastBE uint8, lengthDW int) int {
	firstBE &= 0xf
	lastBE &= 0xf

	if lastBE == 0 {
		// Single DW: the count spans the lowest through the highest
		// enabled byte. A zero-length read still counts one byte.
		if firstBE == 0 {
			return 1
		}
		return bits.Len8(firstBE) - bits.TrailingZeros8(firstBE)
	}

	return lengthDW*DWLen -
		bits.TrailingZeros8(firstBE) -
		(DWLen - bits.Len8(lastBE))
}

// ReadLowerAddress derives the completion lower-address field from the
// first byte enable and the request address. See Table 2-38.
func ReadLowerAddress(firstBE uint8, addr uint64) uint8 {
	low := uint8(addr) & 0x7c
	if firstBE&0xf == 0 {
		return low
	}
	return low + uint8(bits.TrailingZeros8(firstBE&0xf))
}

// span computes the DW-aligned start address, DW count, and byte enables
// covering an arbitrary byte range. Every guest access is turned into a
// full-DW transfer with the partial first and last DW masked by enables.
func span(addr uint64, n int) (start uint64, lengthDW int, firstBE, lastBE uint8) {
	start = addr &^ 0b11
	offset := int(addr & 0b11)
	end := addr + uint64(n)
	endAligned := (end + DWLen - 1) &^ 0b11
	lengthDW = int(endAligned-start) / DWLen

	if lengthDW == 1 {
		firstBE = uint8(0xf>>(DWLen-offset-n)) & (0xf << offset)
		return start, lengthDW, firstBE, 0
	}

	firstBE = 0xf << offset & 0xf
	lastBE = 0xf >> (endAligned - end)
	return start, lengthDW, firstBE, lastBE
}
