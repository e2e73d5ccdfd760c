package virtio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/guestdrv/virtio/dma"
)

const noDesc = 0xffff

// Ring is one split virtqueue: the descriptor table, available ring, and used
// ring in a single physically-contiguous allocation, plus the driver-side
// bookkeeping (free list, shadow available index, last consumed used index).
//
// The ring owns its own lock. Submission-side calls (AllocDescChain,
// SubmitChain) and the interrupt path (FreeDesc via the driver's completion
// callback) may run on different goroutines without any external locking.
type Ring struct {
	dev   *Device
	index uint16

	mu   sync.Mutex
	size uint16
	mask uint16

	buf  *dma.Buffer
	desc []Desc

	// The flags and idx fields of each ring header share one 4-byte-aligned
	// word, so a single 32-bit atomic access publishes (avail) or observes
	// (used) the index with the ordering the device expects.
	availHdr  *uint32
	availRing []uint16
	usedHdr   *uint32
	usedRing  []UsedElem

	availIdx  uint16
	freeHead  uint16
	freeCount uint16
	lastUsed  uint16
}

// NewRing returns an uninitialized ring owned by the given device. Call Init
// before any other method.
func NewRing(d *Device) *Ring {
	return &Ring{dev: d, freeHead: noDesc}
}

// Init sizes and registers queue index with the device. count must be a
// power of two no larger than the maximum the device reports for this queue.
// All descriptors start on the free list in index order.
func (r *Ring) Init(index, count uint16) error {
	if count == 0 || count&(count-1) != 0 {
		return fmt.Errorf("virtio: ring size %d is not a power of two", count)
	}
	max := r.dev.be.RingSize(index)
	if count > max {
		return fmt.Errorf("%w: requested %d, device supports %d", ErrRingTooSmall, count, max)
	}

	pageSize := os.Getpagesize()
	buf, err := r.dev.alloc.Alloc(vringBytes(int(count), pageSize))
	if err != nil {
		return fmt.Errorf("virtio: allocate ring %d: %w", index, err)
	}

	r.index = index
	r.size = count
	r.mask = count - 1
	r.buf = buf
	r.availIdx = 0
	r.lastUsed = 0

	b := buf.Bytes()
	availOff := 16 * int(count)
	usedOff := vringUsedOffset(int(count), pageSize)
	r.desc = unsafe.Slice((*Desc)(unsafe.Pointer(&b[0])), int(count))
	r.availHdr = (*uint32)(unsafe.Pointer(&b[availOff]))
	r.availRing = unsafe.Slice((*uint16)(unsafe.Pointer(&b[availOff+4])), int(count))
	r.usedHdr = (*uint32)(unsafe.Pointer(&b[usedOff]))
	r.usedRing = unsafe.Slice((*UsedElem)(unsafe.Pointer(&b[usedOff+4])), int(count))

	r.freeHead = noDesc
	r.freeCount = 0
	for i := int(count) - 1; i >= 0; i-- {
		r.freeDescLocked(uint16(i))
	}

	pa := buf.PhysAddr()
	if err := r.dev.be.SetRing(index, count, pa, pa+uint64(availOff), pa+uint64(usedOff)); err != nil {
		buf.Close()
		r.buf = nil
		return fmt.Errorf("virtio: register ring %d: %w", index, err)
	}
	return nil
}

// Close releases the ring's backing memory. The queue must already be quiesced
// (device reset or closed).
func (r *Ring) Close() error {
	if r.buf == nil {
		return nil
	}
	return r.buf.Close()
}

// Size returns the ring size set at Init.
func (r *Ring) Size() uint16 { return r.size }

// FreeCount returns the number of descriptors currently on the free list.
func (r *Ring) FreeCount() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeCount
}

// Desc returns the descriptor at slot i for the caller to fill. The slot must
// belong to a chain the caller allocated and not yet freed.
func (r *Ring) Desc(i uint16) *Desc {
	return &r.desc[i]
}

// AllocDescChain pops count descriptors off the free list and links them into
// a chain: every non-terminal descriptor has VRING_DESC_F_NEXT set and Next
// pointing at the following slot, the terminal one has both cleared. The
// chain is built tail-first, so the returned head threads forward through
// Next to the tail in allocation order.
//
// Returns ErrNoDescriptors when fewer than count descriptors are free; treat
// that as backpressure, not a fault.
func (r *Ring) AllocDescChain(count uint16) (uint16, error) {
	if count == 0 || count > r.size {
		return 0, fmt.Errorf("virtio: invalid chain length %d (ring size %d)", count, r.size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if count > r.freeCount {
		return 0, ErrNoDescriptors
	}

	last := uint16(noDesc)
	head := uint16(0)
	for i := uint16(0); i < count; i++ {
		head = r.freeHead
		d := &r.desc[head]
		r.freeHead = d.Next
		r.freeCount--
		if last == noDesc {
			d.Flags = 0
			d.Next = 0
		} else {
			d.Flags = VRING_DESC_F_NEXT
			d.Next = last
		}
		last = head
	}
	return head, nil
}

// SubmitChain publishes the chain at head on the available ring. The device
// is not notified; call Kick once all chains for this batch are submitted.
func (r *Ring) SubmitChain(head uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availRing[r.availIdx&r.mask] = head
	r.availIdx++
	// Release-store the new index so the descriptor and ring-entry writes
	// above are visible to the device before it observes the index. The low
	// half of the word is the avail flags, which this driver keeps at zero.
	atomic.StoreUint32(r.availHdr, uint32(r.availIdx)<<16)
}

// FreeDesc returns a single descriptor to the free list (LIFO).
func (r *Ring) FreeDesc(i uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeDescLocked(i)
}

func (r *Ring) freeDescLocked(i uint16) {
	d := &r.desc[i]
	d.Flags = 0
	d.Next = r.freeHead
	r.freeHead = i
	r.freeCount++
}

// FreeChain frees every descriptor of the chain at head by walking the
// VRING_DESC_F_NEXT links.
func (r *Ring) FreeChain(head uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		next := r.desc[head].Next
		hasNext := r.desc[head].Flags&VRING_DESC_F_NEXT != 0
		r.freeDescLocked(head)
		if !hasNext {
			return
		}
		head = next
	}
}

// ProcessUsed drains every used-ring entry the device has published since the
// last call, invoking fn once per entry. fn owns chain interpretation: it
// must walk the chain named by the element's ID and free its descriptors
// (FreeChain, or FreeDesc per slot); the ring itself does not know chain
// boundaries. fn runs without the ring lock held.
func (r *Ring) ProcessUsed(fn func(UsedElem)) {
	for {
		r.mu.Lock()
		// Acquire-load pairs with the device's publication of the index.
		devIdx := uint16(atomic.LoadUint32(r.usedHdr) >> 16)
		if r.lastUsed == devIdx {
			r.mu.Unlock()
			return
		}
		e := r.usedRing[r.lastUsed&r.mask]
		r.lastUsed++
		r.mu.Unlock()
		fn(e)
	}
}

// Kick notifies the device that this queue has new available chains.
func (r *Ring) Kick() {
	r.dev.be.RingKick(r.index)
}

// vringBytes is the size of the standard split vring layout for count
// descriptors: descriptor table, then the available ring (flags, idx,
// ring[count], used_event), then the used ring (flags, idx, ring[count],
// avail_event) aligned up to align.
func vringBytes(count, align int) int {
	return vringUsedOffset(count, align) + 6 + 8*count
}

func vringUsedOffset(count, align int) int {
	n := 16*count + 6 + 2*count
	return (n + align - 1) &^ (align - 1)
}
