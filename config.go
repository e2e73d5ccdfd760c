package virtio

import "unsafe"

// ConfigValue is the set of widths the device configuration space supports.
type ConfigValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// ReadConfig reads a value of type T from the device-specific configuration
// structure at the given byte offset. 64-bit reads are split into two 32-bit
// accesses by the backend, low word first.
func ReadConfig[T ConfigValue](d *Device, offset uint16) T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		v = T(d.be.ConfigRead8(offset))
	case 2:
		v = T(d.be.ConfigRead16(offset))
	case 4:
		v = T(d.be.ConfigRead32(offset))
	default:
		v = T(d.be.ConfigRead64(offset))
	}
	return v
}

// WriteConfig writes a value of type T to the device-specific configuration
// structure at the given byte offset.
func WriteConfig[T ConfigValue](d *Device, offset uint16, v T) {
	switch unsafe.Sizeof(v) {
	case 1:
		d.be.ConfigWrite8(offset, uint8(v))
	case 2:
		d.be.ConfigWrite16(offset, uint16(v))
	case 4:
		d.be.ConfigWrite32(offset, uint32(v))
	default:
		d.be.ConfigWrite64(offset, uint64(v))
	}
}
