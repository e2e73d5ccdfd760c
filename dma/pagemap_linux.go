package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"
)

// pagemap entry layout: bits 0-54 hold the page frame number, bit 63 is the
// present flag. PFNs read as zero without CAP_SYS_ADMIN.
const (
	pagemapEntrySize = 8
	pagemapPFNMask   = (1 << 55) - 1
	pagemapPresent   = 1 << 63
)

// physAddr resolves the physical address of the first byte of mem.
func (a *hostAllocator) physAddr(mem []byte) (uint64, error) {
	if len(mem) == 0 {
		return 0, fmt.Errorf("dma: empty mapping")
	}
	pageSize := uint64(os.Getpagesize())
	vaddr := uint64(uintptr(unsafe.Pointer(&mem[0])))

	var entry [pagemapEntrySize]byte
	off := int64(vaddr / pageSize * pagemapEntrySize)
	if _, err := a.pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}

	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&pagemapPresent == 0 {
		return 0, fmt.Errorf("dma: page at %#x not present", vaddr)
	}
	pfn := raw & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("dma: pagemap PFN unavailable (need CAP_SYS_ADMIN)")
	}
	return pfn*pageSize + vaddr%pageSize, nil
}
