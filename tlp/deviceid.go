package tlp

import "fmt"

// A DeviceID identifies a function on the PCIe fabric by its
// bus/device/function triple.
type DeviceID struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// NewDeviceID decodes a DeviceID from its 16-bit wire encoding.
func NewDeviceID(value uint16) DeviceID {
	return DeviceID{
		Bus:      uint8(value >> 8),
		Device:   uint8((value >> 3) & 0x1f),
		Function: uint8(value & 0x7),
	}
}

// Uint16 returns the 16-bit wire encoding of the ID.
func (id DeviceID) Uint16() uint16 {
	return uint16(id.Bus)<<8 | uint16(id.Device)<<3 | uint16(id.Function)
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%02x:%02x.%01x", id.Bus, id.Device, id.Function)
}
