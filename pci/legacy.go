package pci

import (
	"fmt"
	"log/slog"

	"github.com/guestdrv/virtio"
)

// Legacy I/O-port register layout (virtio 0.9.5).
const (
	VIRTIO_PCI_LEGACY_DEVICE_FEATURES = 0x00
	VIRTIO_PCI_LEGACY_DRIVER_FEATURES = 0x04
	VIRTIO_PCI_LEGACY_QUEUE_PFN       = 0x08
	VIRTIO_PCI_LEGACY_QUEUE_SIZE      = 0x0c
	VIRTIO_PCI_LEGACY_QUEUE_SELECT    = 0x0e
	VIRTIO_PCI_LEGACY_QUEUE_NOTIFY    = 0x10
	VIRTIO_PCI_LEGACY_STATUS          = 0x12
	VIRTIO_PCI_LEGACY_ISR             = 0x13

	// Device config follows the header at the non-MSI-X offset. An
	// MSI-X-enabled legacy device shifts this to 0x18, which this backend
	// does not support.
	VIRTIO_PCI_LEGACY_CONFIG = 0x14

	// Legacy devices locate rings by page frame number.
	legacyPageShift = 12
)

// Legacy is the I/O-port transport of pre-1.0 virtio. The whole register file
// lives in the BAR0 port window; the feature space is 32 bits.
type Legacy struct {
	ports PortRegion
	irq   IRQ
}

// NewLegacy returns an unbound legacy backend over the given port window and
// interrupt source.
func NewLegacy(ports PortRegion, irq IRQ) *Legacy {
	return &Legacy{ports: ports, irq: irq}
}

// Bind validates the transport. The port window was located by the caller
// (BAR0 must decode I/O space); there are no capabilities to parse.
func (l *Legacy) Bind() error {
	if l.ports == nil {
		return fmt.Errorf("virtio-pci: legacy transport has no I/O-port window")
	}
	return nil
}

// Close tears down the interrupt source.
func (l *Legacy) Close() error { return l.irq.Close() }

// ReadFeature reports whether the device offers bit. Bits past the 32-bit
// legacy feature space read as unset.
func (l *Legacy) ReadFeature(bit uint32) bool {
	if bit >= 32 {
		return false
	}
	return l.ports.Read32(VIRTIO_PCI_LEGACY_DEVICE_FEATURES)&(1<<bit) != 0
}

// SetFeature acknowledges bit. Bits past the legacy feature space are silent
// no-ops.
func (l *Legacy) SetFeature(bit uint32) {
	if bit >= 32 {
		slog.Debug("virtio-pci: legacy transport ignoring feature bit", "bit", bit)
		return
	}
	v := l.ports.Read32(VIRTIO_PCI_LEGACY_DRIVER_FEATURES)
	l.ports.Write32(VIRTIO_PCI_LEGACY_DRIVER_FEATURES, v|1<<bit)
}

// ConfirmFeatures always succeeds: legacy has no negotiation handshake.
func (l *Legacy) ConfirmFeatures() error { return nil }

// DeviceReset writes status 0.
func (l *Legacy) DeviceReset() {
	l.ports.Write8(VIRTIO_PCI_LEGACY_STATUS, 0)
}

// DriverStatusAck sets ACKNOWLEDGE then DRIVER.
func (l *Legacy) DriverStatusAck() {
	s := l.ports.Read8(VIRTIO_PCI_LEGACY_STATUS)
	l.ports.Write8(VIRTIO_PCI_LEGACY_STATUS, s|virtio.VIRTIO_STATUS_ACKNOWLEDGE)
	l.ports.Write8(VIRTIO_PCI_LEGACY_STATUS, s|virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER)
}

// DriverStatusOK sets DRIVER_OK.
func (l *Legacy) DriverStatusOK() {
	s := l.ports.Read8(VIRTIO_PCI_LEGACY_STATUS)
	l.ports.Write8(VIRTIO_PCI_LEGACY_STATUS, s|virtio.VIRTIO_STATUS_DRIVER_OK)
}

// RingSize returns the device's fixed size for queue index.
func (l *Legacy) RingSize(index uint16) uint16 {
	l.ports.Write16(VIRTIO_PCI_LEGACY_QUEUE_SELECT, index)
	return l.ports.Read16(VIRTIO_PCI_LEGACY_QUEUE_SIZE)
}

// SetRing registers the ring by the page frame number of its descriptor
// table. The legacy layout is contiguous, so the available and used ring
// addresses are implied and ignored here.
func (l *Legacy) SetRing(index, count uint16, desc, avail, used uint64) error {
	_ = avail
	_ = used
	l.ports.Write16(VIRTIO_PCI_LEGACY_QUEUE_SELECT, index)
	l.ports.Write32(VIRTIO_PCI_LEGACY_QUEUE_PFN, uint32(desc>>legacyPageShift))
	return nil
}

// RingKick writes the queue index to the notify register.
func (l *Legacy) RingKick(index uint16) {
	l.ports.Write16(VIRTIO_PCI_LEGACY_QUEUE_NOTIFY, index)
}

// IsrStatus reads, and thereby acknowledges, the ISR byte.
func (l *Legacy) IsrStatus() uint8 {
	return l.ports.Read8(VIRTIO_PCI_LEGACY_ISR)
}

// Device configuration accessors: sequential port reads past the header.
// 64-bit values are two 32-bit port accesses, low word first.

func (l *Legacy) ConfigRead8(offset uint16) uint8 {
	return l.ports.Read8(VIRTIO_PCI_LEGACY_CONFIG + uint32(offset))
}

func (l *Legacy) ConfigRead16(offset uint16) uint16 {
	return l.ports.Read16(VIRTIO_PCI_LEGACY_CONFIG + uint32(offset))
}

func (l *Legacy) ConfigRead32(offset uint16) uint32 {
	return l.ports.Read32(VIRTIO_PCI_LEGACY_CONFIG + uint32(offset))
}

func (l *Legacy) ConfigRead64(offset uint16) uint64 {
	lo := l.ConfigRead32(offset)
	hi := l.ConfigRead32(offset + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (l *Legacy) ConfigWrite8(offset uint16, v uint8) {
	l.ports.Write8(VIRTIO_PCI_LEGACY_CONFIG+uint32(offset), v)
}

func (l *Legacy) ConfigWrite16(offset uint16, v uint16) {
	l.ports.Write16(VIRTIO_PCI_LEGACY_CONFIG+uint32(offset), v)
}

func (l *Legacy) ConfigWrite32(offset uint16, v uint32) {
	l.ports.Write32(VIRTIO_PCI_LEGACY_CONFIG+uint32(offset), v)
}

func (l *Legacy) ConfigWrite64(offset uint16, v uint64) {
	l.ConfigWrite32(offset, uint32(v))
	l.ConfigWrite32(offset+4, uint32(v>>32))
}

// InterruptValid reports whether the interrupt source is still open.
func (l *Legacy) InterruptValid() bool { return l.irq.Valid() }

// WaitForInterrupt blocks on the interrupt source.
func (l *Legacy) WaitForInterrupt() error { return l.irq.Wait() }
