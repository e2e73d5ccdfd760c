package pci

import (
	"sync/atomic"
	"unsafe"
)

// region is a window into a mapped BAR. Accesses go through unsafe pointers
// (32-bit and wider through sync/atomic) so the compiler cannot coalesce or
// elide what are reads and writes of device registers. Offsets follow the
// virtio field layout, which keeps every access naturally aligned.
type region struct {
	mem []byte
}

func (r region) valid() bool { return len(r.mem) > 0 }

func (r region) Read8(off uint32) uint8 {
	return *(*uint8)(unsafe.Pointer(&r.mem[off]))
}

func (r region) Write8(off uint32, v uint8) {
	*(*uint8)(unsafe.Pointer(&r.mem[off])) = v
}

func (r region) Read16(off uint32) uint16 {
	return *(*uint16)(unsafe.Pointer(&r.mem[off]))
}

func (r region) Write16(off uint32, v uint16) {
	*(*uint16)(unsafe.Pointer(&r.mem[off])) = v
}

func (r region) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[off])))
}

func (r region) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[off])), v)
}

// Read64 reads a 64-bit field as two 32-bit accesses, low word first, per the
// virtio alignment rule for device config.
func (r region) Read64(off uint32) uint64 {
	lo := r.Read32(off)
	hi := r.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (r region) Write64(off uint32, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}
