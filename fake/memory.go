package fake

import (
	"fmt"
	"os"
	"sync"

	"github.com/guestdrv/virtio/dma"
)

// Memory is a physically-addressed memory space assembled from registered
// regions, standing in for the host RAM a device DMAs into. It implements
// io.ReaderAt/io.WriterAt with physical addresses as offsets.
type Memory struct {
	mu      sync.Mutex
	regions []memRegion
}

type memRegion struct {
	phys uint64
	data []byte
}

// NewMemory returns an empty memory space.
func NewMemory() *Memory {
	return &Memory{}
}

// Add registers data at the given physical address.
func (m *Memory) Add(phys uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, memRegion{phys: phys, data: data})
}

func (m *Memory) find(phys uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if phys >= r.phys && phys+uint64(n) <= r.phys+uint64(len(r.data)) {
			off := phys - r.phys
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("fake: no memory at %#x+%d", phys, n)
}

// ReadAt reads from physical address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	src, err := m.find(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt writes to physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	dst, err := m.find(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Allocator is a dma.Allocator handing out heap-backed buffers registered in
// a Memory at synthetic physical addresses, so ring and data buffers are
// reachable from the fake device side.
type Allocator struct {
	mu   sync.Mutex
	mem  *Memory
	next uint64
}

// NewAllocator returns an allocator placing buffers into mem starting at an
// arbitrary physical base.
func NewAllocator(mem *Memory) *Allocator {
	return &Allocator{mem: mem, next: 0x100000}
}

// Alloc implements dma.Allocator.
func (a *Allocator) Alloc(size int) (*dma.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("fake: invalid allocation size %d", size)
	}
	pageSize := uint64(os.Getpagesize())

	a.mu.Lock()
	phys := a.next
	a.next += (uint64(size) + pageSize - 1) &^ (pageSize - 1)
	a.mu.Unlock()

	data := make([]byte, size)
	a.mem.Add(phys, data)
	return dma.NewBuffer(data, phys), nil
}
