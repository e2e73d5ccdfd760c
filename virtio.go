// Package virtio implements the guest-side virtio transport core: the split
// virtqueue (Ring), the register-access Backend abstraction, and the Device
// base that owns the interrupt worker and the status-byte lifecycle.
//
// Concrete device drivers (see the block and rng packages) build on this
// package: they allocate rings through a Device, fill descriptor chains, kick
// the backend, and consume completions from their RingUpdate callback.
package virtio

// Device status bits, written to the status register during bring-up.
// The order is mandated: reset (0), then ACKNOWLEDGE, then DRIVER, then
// FEATURES_OK after negotiation, then DRIVER_OK.
const (
	VIRTIO_STATUS_ACKNOWLEDGE        = 1 << 0
	VIRTIO_STATUS_DRIVER             = 1 << 1
	VIRTIO_STATUS_DRIVER_OK          = 1 << 2
	VIRTIO_STATUS_FEATURES_OK        = 1 << 3
	VIRTIO_STATUS_DEVICE_NEEDS_RESET = 1 << 6
	VIRTIO_STATUS_FAILED             = 1 << 7
)

// Descriptor flags.
const (
	VRING_DESC_F_NEXT     = 1 << 0 // chain continues in the descriptor named by Next
	VRING_DESC_F_WRITE    = 1 << 1 // device writes into this buffer
	VRING_DESC_F_INDIRECT = 1 << 2 // buffer holds an out-of-band descriptor table
)

// Available/used ring flags.
const (
	VRING_AVAIL_F_NO_INTERRUPT = 1 << 0
	VRING_USED_F_NO_NOTIFY     = 1 << 0
)

// ISR status bits returned by Backend.IsrStatus.
const (
	VIRTIO_ISR_QUEUE_INT  = 1 << 0 // a used ring has new entries
	VIRTIO_ISR_CONFIG_INT = 1 << 1 // device configuration changed
)

// Device-independent feature bits. Bits 0-23 and 50-127 are reserved for
// per-device features.
const (
	VIRTIO_RING_F_INDIRECT_DESC = 28
	VIRTIO_RING_F_EVENT_IDX     = 29
	VIRTIO_F_VERSION_1          = 32
	VIRTIO_F_ACCESS_PLATFORM    = 33
)

// Virtio device type identifiers.
const (
	VIRTIO_DEV_TYPE_NET     = 1
	VIRTIO_DEV_TYPE_BLOCK   = 2
	VIRTIO_DEV_TYPE_CONSOLE = 3
	VIRTIO_DEV_TYPE_ENTROPY = 4
	VIRTIO_DEV_TYPE_SCSI    = 8
	VIRTIO_DEV_TYPE_GPU     = 16
	VIRTIO_DEV_TYPE_INPUT   = 18
)

// Desc is one slot of a ring's descriptor table, in the exact wire layout the
// device reads: a 16-byte little-endian record describing one contiguous DMA
// segment. Next doubles as the free-list link while the descriptor is free.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one completion record the device appends to a ring's used ring.
// ID names the head descriptor of the completed chain; Len is the number of
// bytes the device wrote into the chain's device-writable buffers.
type UsedElem struct {
	ID  uint32
	Len uint32
}
