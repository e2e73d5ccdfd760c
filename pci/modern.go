package pci

import (
	"fmt"
	"time"

	"github.com/guestdrv/virtio"
)

// Common configuration structure offsets (modern transport).
const (
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00 // device feature select
	VIRTIO_PCI_COMMON_DF            = 0x04 // device features window
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08 // driver feature select
	VIRTIO_PCI_COMMON_GF            = 0x0c // driver features window
	VIRTIO_PCI_COMMON_MSIX          = 0x10
	VIRTIO_PCI_COMMON_NUMQ          = 0x12
	VIRTIO_PCI_COMMON_STATUS        = 0x14
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1a
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1c
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1e
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2c
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34
)

// Modern is the capability-located MMIO transport of virtio 1.0+.
type Modern struct {
	cs   ConfigSpace
	bars BARMapper
	irq  IRQ

	common     region
	notify     region
	notifyMult uint32
	isr        region
	device     region

	// kick offset into the notify region, cached per queue at SetRing time.
	kickOff map[uint16]uint32
}

// NewModern returns an unbound modern backend over the given configuration
// space, BAR mapper, and interrupt source.
func NewModern(cs ConfigSpace, bars BARMapper, irq IRQ) *Modern {
	return &Modern{cs: cs, bars: bars, irq: irq, kickOff: make(map[uint16]uint32)}
}

// Bind walks the vendor capability list and maps the four required register
// regions. BAR mapping is idempotent; a capability referencing an
// already-mapped BAR reuses the mapping.
func (m *Modern) Bind() error {
	caps, err := vendorCaps(m.cs)
	if err != nil {
		return fmt.Errorf("virtio-pci: walk capabilities: %w", err)
	}

	for _, c := range caps {
		switch c.cfgType {
		case VIRTIO_PCI_CAP_COMMON_CFG:
			m.common, err = m.mapRegion(c)
		case VIRTIO_PCI_CAP_NOTIFY_CFG:
			m.notify, err = m.mapRegion(c)
			m.notifyMult = c.notifyMult
		case VIRTIO_PCI_CAP_ISR_CFG:
			m.isr, err = m.mapRegion(c)
		case VIRTIO_PCI_CAP_DEVICE_CFG:
			m.device, err = m.mapRegion(c)
		case VIRTIO_PCI_CAP_PCI_CFG:
			// Alternative config-space access window; unused.
		}
		if err != nil {
			return err
		}
	}

	for _, missing := range []struct {
		r    region
		name string
	}{
		{m.common, "common"},
		{m.notify, "notify"},
		{m.isr, "ISR"},
		{m.device, "device"},
	} {
		if !missing.r.valid() {
			return fmt.Errorf("virtio-pci: no %s config capability", missing.name)
		}
	}
	return nil
}

func (m *Modern) mapRegion(c vendorCap) (region, error) {
	mem, err := m.bars.MapBAR(int(c.bar))
	if err != nil {
		return region{}, fmt.Errorf("virtio-pci: map BAR %d: %w", c.bar, err)
	}
	end := uint64(c.offset) + uint64(c.length)
	if end > uint64(len(mem)) {
		return region{}, fmt.Errorf("virtio-pci: capability window %#x+%#x exceeds BAR %d size %#x",
			c.offset, c.length, c.bar, len(mem))
	}
	return region{mem: mem[c.offset:end]}, nil
}

// Close tears down the interrupt source.
func (m *Modern) Close() error { return m.irq.Close() }

// ReadFeature reports whether the device offers bit, using the feature-select
// register pair for the full 64-bit space.
func (m *Modern) ReadFeature(bit uint32) bool {
	m.common.Write32(VIRTIO_PCI_COMMON_DFSELECT, bit/32)
	return m.common.Read32(VIRTIO_PCI_COMMON_DF)&(1<<(bit%32)) != 0
}

// SetFeature acknowledges bit in the driver feature words.
func (m *Modern) SetFeature(bit uint32) {
	m.common.Write32(VIRTIO_PCI_COMMON_GFSELECT, bit/32)
	v := m.common.Read32(VIRTIO_PCI_COMMON_GF)
	m.common.Write32(VIRTIO_PCI_COMMON_GF, v|1<<(bit%32))
}

// ConfirmFeatures writes FEATURES_OK and re-reads status; the device clears
// the bit to reject the negotiated set.
func (m *Modern) ConfirmFeatures() error {
	s := m.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	m.common.Write8(VIRTIO_PCI_COMMON_STATUS, s|virtio.VIRTIO_STATUS_FEATURES_OK)
	if m.common.Read8(VIRTIO_PCI_COMMON_STATUS)&virtio.VIRTIO_STATUS_FEATURES_OK == 0 {
		return virtio.ErrFeaturesRejected
	}
	return nil
}

// DeviceReset writes status 0 and waits for the device to report the reset
// complete, per the 1.0 reset rule.
func (m *Modern) DeviceReset() {
	m.common.Write8(VIRTIO_PCI_COMMON_STATUS, 0)
	for i := 0; i < 100 && m.common.Read8(VIRTIO_PCI_COMMON_STATUS) != 0; i++ {
		time.Sleep(time.Millisecond)
	}
}

// DriverStatusAck sets ACKNOWLEDGE then DRIVER.
func (m *Modern) DriverStatusAck() {
	s := m.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	m.common.Write8(VIRTIO_PCI_COMMON_STATUS, s|virtio.VIRTIO_STATUS_ACKNOWLEDGE)
	m.common.Write8(VIRTIO_PCI_COMMON_STATUS, s|virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER)
}

// DriverStatusOK sets DRIVER_OK.
func (m *Modern) DriverStatusOK() {
	s := m.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	m.common.Write8(VIRTIO_PCI_COMMON_STATUS, s|virtio.VIRTIO_STATUS_DRIVER_OK)
}

// RingSize returns the device's maximum size for queue index.
func (m *Modern) RingSize(index uint16) uint16 {
	m.common.Write16(VIRTIO_PCI_COMMON_Q_SELECT, index)
	return m.common.Read16(VIRTIO_PCI_COMMON_Q_SIZE)
}

// SetRing programs the queue's size and ring addresses, caches the kick
// offset from the device-reported notify offset, and enables the queue.
func (m *Modern) SetRing(index, count uint16, desc, avail, used uint64) error {
	m.common.Write16(VIRTIO_PCI_COMMON_Q_SELECT, index)
	m.common.Write16(VIRTIO_PCI_COMMON_Q_SIZE, count)
	m.common.Write64(VIRTIO_PCI_COMMON_Q_DESCLO, desc)
	m.common.Write64(VIRTIO_PCI_COMMON_Q_AVAILLO, avail)
	m.common.Write64(VIRTIO_PCI_COMMON_Q_USEDLO, used)

	// The notify offset is read once here, not per kick.
	noff := m.common.Read16(VIRTIO_PCI_COMMON_Q_NOFF)
	off := uint32(noff) * m.notifyMult
	if off+2 > uint32(len(m.notify.mem)) {
		return fmt.Errorf("virtio-pci: queue %d notify offset %d outside notify window", index, noff)
	}
	m.kickOff[index] = off

	m.common.Write16(VIRTIO_PCI_COMMON_Q_ENABLE, 1)
	return nil
}

// RingKick writes the queue index at its cached notify offset.
func (m *Modern) RingKick(index uint16) {
	m.notify.Write16(m.kickOff[index], index)
}

// IsrStatus reads, and thereby acknowledges, the interrupt status byte.
func (m *Modern) IsrStatus() uint8 {
	return m.isr.Read8(0)
}

// Device configuration accessors, all MMIO into the mapped device-config
// region.

func (m *Modern) ConfigRead8(offset uint16) uint8   { return m.device.Read8(uint32(offset)) }
func (m *Modern) ConfigRead16(offset uint16) uint16 { return m.device.Read16(uint32(offset)) }
func (m *Modern) ConfigRead32(offset uint16) uint32 { return m.device.Read32(uint32(offset)) }
func (m *Modern) ConfigRead64(offset uint16) uint64 { return m.device.Read64(uint32(offset)) }

func (m *Modern) ConfigWrite8(offset uint16, v uint8)   { m.device.Write8(uint32(offset), v) }
func (m *Modern) ConfigWrite16(offset uint16, v uint16) { m.device.Write16(uint32(offset), v) }
func (m *Modern) ConfigWrite32(offset uint16, v uint32) { m.device.Write32(uint32(offset), v) }
func (m *Modern) ConfigWrite64(offset uint16, v uint64) { m.device.Write64(uint32(offset), v) }

// InterruptValid reports whether the interrupt source is still open.
func (m *Modern) InterruptValid() bool { return m.irq.Valid() }

// WaitForInterrupt blocks on the interrupt source.
func (m *Modern) WaitForInterrupt() error { return m.irq.Wait() }
