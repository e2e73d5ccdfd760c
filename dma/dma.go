// Package dma allocates the physically-contiguous, page-aligned memory that
// virtio rings and data buffers share with the device. The host allocator
// resolves physical addresses through /proc/self/pagemap and therefore needs
// CAP_SYS_ADMIN; tests substitute their own Allocator with fake addresses.
package dma

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Buffer is one device-visible memory region: a virtual mapping plus the
// physical address the device uses to reach it.
type Buffer struct {
	mem  []byte
	phys uint64
	free func() error
}

// NewBuffer wraps an existing byte slice as a Buffer with the given physical
// address. It is meant for tests and for transports that do their own
// mapping; Close is a no-op for buffers created this way.
func NewBuffer(mem []byte, phys uint64) *Buffer {
	return &Buffer{mem: mem, phys: phys}
}

// Bytes returns the driver-side view of the buffer.
func (b *Buffer) Bytes() []byte { return b.mem }

// PhysAddr returns the physical address of the first byte.
func (b *Buffer) PhysAddr() uint64 { return b.phys }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return len(b.mem) }

// Close releases the underlying mapping. The buffer must not be registered
// with a live device when it is closed.
func (b *Buffer) Close() error {
	if b.free == nil {
		return nil
	}
	f := b.free
	b.free = nil
	b.mem = nil
	return f()
}

// Allocator hands out device-visible buffers.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
}

type hostAllocator struct {
	pagemap *os.File
}

// NewHostAllocator returns an Allocator backed by anonymous locked mappings,
// with physical addresses resolved through /proc/self/pagemap. Allocations
// larger than one page use hugetlb pages so the region stays physically
// contiguous; without hugetlb support the allocator falls back to a normal
// mapping and fails if the pages turn out not to be contiguous.
func NewHostAllocator() (Allocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}
	return &hostAllocator{pagemap: f}, nil
}

func (a *hostAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	pageSize := os.Getpagesize()
	size = alignUp(size, pageSize)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_LOCKED | unix.MAP_POPULATE
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
	if err != nil {
		// Hugetlb may be unconfigured on the host. A plain mapping can still
		// serve when the kernel hands back contiguous pages; the contiguity
		// check below rejects it when it does not.
		mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
		if err != nil {
			return nil, fmt.Errorf("dma: mmap of %d bytes: %w", size, err)
		}
	}

	phys, err := a.physAddr(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	if err := a.checkContiguous(mem, phys, pageSize); err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	return &Buffer{
		mem:  mem,
		phys: phys,
		free: func() error { return unix.Munmap(mem) },
	}, nil
}

func (a *hostAllocator) checkContiguous(mem []byte, base uint64, pageSize int) error {
	for off := pageSize; off < len(mem); off += pageSize {
		phys, err := a.physAddr(mem[off:])
		if err != nil {
			return err
		}
		if phys != base+uint64(off) {
			return fmt.Errorf("dma: mapping not physically contiguous at offset %#x", off)
		}
	}
	return nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
