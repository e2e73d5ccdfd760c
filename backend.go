package virtio

import "errors"

// Backpressure and bring-up errors callers branch on with errors.Is.
var (
	// ErrNoDescriptors is returned by Ring.AllocDescChain when the free list
	// holds fewer descriptors than requested. It signals backpressure, not a
	// fault: retry after completions free descriptors, or fail the one I/O.
	ErrNoDescriptors = errors.New("virtio: not enough free descriptors")

	// ErrRingTooSmall is returned by Ring.Init when the requested ring size
	// exceeds what the device reports supporting.
	ErrRingTooSmall = errors.New("virtio: device ring smaller than requested")

	// ErrFeaturesRejected is returned by ConfirmFeatures when the device
	// refuses the negotiated feature set. Fatal to bring-up.
	ErrFeaturesRejected = errors.New("virtio: device rejected driver features")
)

// Backend abstracts the register-access transport behind one surface. The two
// PCI variants (legacy I/O-port and modern capability-located MMIO) live in
// the pci package; the fake package provides an in-memory implementation used
// as a test oracle.
//
// Register accesses past Bind are assumed to succeed; failures at that level
// are protocol or wiring errors and surface from Bind only. The variant is
// resolved once at bind time, never re-dispatched per access.
type Backend interface {
	// Bind performs transport-specific setup: map BARs and locate the virtio
	// capability regions (modern), or validate the I/O-port window (legacy).
	Bind() error

	// Close tears down the transport, including the interrupt source. A
	// blocked WaitForInterrupt returns an error once Close has run.
	Close() error

	// ReadFeature reports whether the device offers the given feature bit.
	// The legacy transport only exposes bits 0-31.
	ReadFeature(bit uint32) bool

	// SetFeature acknowledges a feature bit on behalf of the driver. On the
	// legacy transport bits >= 32 are silent no-ops.
	SetFeature(bit uint32)

	// ConfirmFeatures finalizes feature negotiation. The modern transport
	// writes FEATURES_OK and re-reads status, returning ErrFeaturesRejected
	// if the device clears it; legacy has no negotiation step and always
	// succeeds.
	ConfirmFeatures() error

	// Status-byte lifecycle. DeviceReset must precede DriverStatusAck, which
	// must precede DriverStatusOK.
	DeviceReset()
	DriverStatusAck()
	DriverStatusOK()

	// Device-specific configuration structure access. 64-bit accesses are
	// performed as two 32-bit accesses, low word first.
	ConfigRead8(offset uint16) uint8
	ConfigRead16(offset uint16) uint16
	ConfigRead32(offset uint16) uint32
	ConfigRead64(offset uint16) uint64
	ConfigWrite8(offset uint16, v uint8)
	ConfigWrite16(offset uint16, v uint16)
	ConfigWrite32(offset uint16, v uint32)
	ConfigWrite64(offset uint16, v uint64)

	// RingSize returns the maximum ring size the device supports for the
	// given queue index.
	RingSize(index uint16) uint16

	// SetRing registers a ring's descriptor table, available ring, and used
	// ring physical addresses with the device and enables the queue.
	SetRing(index, count uint16, desc, avail, used uint64) error

	// RingKick notifies the device that the given queue has new available
	// descriptor chains.
	RingKick(index uint16)

	// IsrStatus returns the pending interrupt cause bits. Reading the
	// register acknowledges the interrupt on both PCI transports.
	IsrStatus() uint8

	// InterruptValid reports whether the interrupt source is still usable.
	InterruptValid() bool

	// WaitForInterrupt blocks until the device raises an interrupt or the
	// backend is closed, in which case it returns an error.
	WaitForInterrupt() error
}
