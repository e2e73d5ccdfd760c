// Package pci implements the two virtio PCI register transports behind the
// virtio.Backend interface: the legacy I/O-port layout and the modern
// capability-located MMIO layout. Probe selects the variant once at bind time
// from the presence of virtio vendor capabilities.
package pci

import (
	"fmt"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/pcidev"
)

// Virtio PCI identifiers.
const (
	VIRTIO_PCI_VENDOR_ID      = 0x1af4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040 // modern devices; transitional are 0x1000-0x103f
)

// Virtio vendor capability types.
const (
	VIRTIO_PCI_CAP_COMMON_CFG = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG = 2
	VIRTIO_PCI_CAP_ISR_CFG    = 3
	VIRTIO_PCI_CAP_DEVICE_CFG = 4
	VIRTIO_PCI_CAP_PCI_CFG    = 5
)

const (
	pciRegStatus     = 0x06
	pciRegCapPtr     = 0x34
	pciStatusCapList = 0x10
	pciCapIDVendor   = 0x09

	// Vendor capability layout: cap_vndr, cap_next, cap_len, cfg_type,
	// bar, padding[3], offset, length, then (notify only) a u32 multiplier.
	capOffCfgType    = 3
	capOffBAR        = 4
	capOffOffset     = 8
	capOffLength     = 12
	capOffNotifyMult = 16
)

// ConfigSpace is read access to PCI configuration space, as the capability
// walker needs it. pcidev.Device implements it; tests supply byte-backed
// fakes.
type ConfigSpace interface {
	ConfigRead8(offset int) (uint8, error)
	ConfigRead16(offset int) (uint16, error)
	ConfigRead32(offset int) (uint32, error)
}

// BARMapper maps a memory BAR and returns its bytes. Mapping the same BAR
// twice must return the same mapping.
type BARMapper interface {
	MapBAR(index int) ([]byte, error)
}

// PortRegion is register access into an I/O-port window.
type PortRegion interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

// IRQ is the blocking interrupt source a backend waits on.
type IRQ interface {
	Wait() error
	Valid() bool
	Close() error
}

// vendorCap is one parsed virtio vendor capability.
type vendorCap struct {
	cfgType    uint8
	bar        uint8
	offset     uint32
	length     uint32
	notifyMult uint32
}

// vendorCaps walks the capability list once and returns every virtio vendor
// capability in list order.
func vendorCaps(cs ConfigSpace) ([]vendorCap, error) {
	status, err := cs.ConfigRead16(pciRegStatus)
	if err != nil {
		return nil, err
	}
	if status&pciStatusCapList == 0 {
		return nil, nil
	}

	var caps []vendorCap
	ptr, err := cs.ConfigRead8(pciRegCapPtr)
	if err != nil {
		return nil, err
	}
	for n := 0; ptr != 0 && n < 64; n++ { // bound against malformed loops
		id, err := cs.ConfigRead8(int(ptr))
		if err != nil {
			return nil, err
		}
		next, err := cs.ConfigRead8(int(ptr) + 1)
		if err != nil {
			return nil, err
		}
		if id == pciCapIDVendor {
			c, err := readVendorCap(cs, int(ptr))
			if err != nil {
				return nil, err
			}
			caps = append(caps, c)
		}
		ptr = next
	}
	return caps, nil
}

func readVendorCap(cs ConfigSpace, base int) (vendorCap, error) {
	var c vendorCap
	var err error
	if c.cfgType, err = cs.ConfigRead8(base + capOffCfgType); err != nil {
		return c, err
	}
	if c.bar, err = cs.ConfigRead8(base + capOffBAR); err != nil {
		return c, err
	}
	if c.offset, err = cs.ConfigRead32(base + capOffOffset); err != nil {
		return c, err
	}
	if c.length, err = cs.ConfigRead32(base + capOffLength); err != nil {
		return c, err
	}
	if c.cfgType == VIRTIO_PCI_CAP_NOTIFY_CFG {
		if c.notifyMult, err = cs.ConfigRead32(base + capOffNotifyMult); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Probe opens a backend for the given virtio PCI function, selecting the
// modern transport when virtio vendor capabilities are present and the legacy
// I/O-port transport otherwise. The returned backend is already bound.
func Probe(dev *pcidev.Device) (virtio.Backend, error) {
	vendor, err := dev.VendorID()
	if err != nil {
		return nil, err
	}
	if vendor != VIRTIO_PCI_VENDOR_ID {
		return nil, fmt.Errorf("pci: %s: vendor %#04x is not a virtio device", dev.Addr(), vendor)
	}
	if err := dev.EnableBusMaster(); err != nil {
		return nil, fmt.Errorf("pci: enable bus mastering: %w", err)
	}
	irq, err := dev.Interrupt()
	if err != nil {
		return nil, err
	}

	caps, err := vendorCaps(dev)
	if err != nil {
		irq.Close()
		return nil, err
	}

	var be virtio.Backend
	if len(caps) > 0 {
		be = NewModern(dev, dev, irq)
	} else {
		ports, err := dev.IOPortBAR(0)
		if err != nil {
			irq.Close()
			return nil, err
		}
		be = NewLegacy(ports, irq)
	}
	if err := be.Bind(); err != nil {
		irq.Close()
		return nil, err
	}
	return be, nil
}

// Info summarizes a probed virtio PCI function without touching its status
// lifecycle.
type Info struct {
	Addr       string
	VendorID   uint16
	DeviceID   uint16
	DeviceType uint16
	Modern     bool
}

// Identify reads the identity of a virtio PCI function from configuration
// space only. Modern functions encode the virtio device type in the PCI
// device ID; transitional ones carry it in the subsystem ID.
func Identify(dev *pcidev.Device) (*Info, error) {
	info := &Info{Addr: dev.Addr()}
	var err error
	if info.VendorID, err = dev.VendorID(); err != nil {
		return nil, err
	}
	if info.VendorID != VIRTIO_PCI_VENDOR_ID {
		return nil, fmt.Errorf("pci: %s: vendor %#04x is not a virtio device", dev.Addr(), info.VendorID)
	}
	if info.DeviceID, err = dev.DeviceID(); err != nil {
		return nil, err
	}

	caps, err := vendorCaps(dev)
	if err != nil {
		return nil, err
	}
	info.Modern = len(caps) > 0

	if info.DeviceID >= VIRTIO_PCI_DEVICE_ID_BASE {
		info.DeviceType = info.DeviceID - VIRTIO_PCI_DEVICE_ID_BASE
	} else {
		if info.DeviceType, err = dev.SubsystemID(); err != nil {
			return nil, err
		}
	}
	return info, nil
}
