// Package pcidev provides userspace access to a PCI function through the
// Linux sysfs interface: configuration space via the config file, memory BARs
// via mmap of resourceN, I/O-port BARs via pread/pwrite on resourceN, and
// interrupts via the device's uio node (uio_pci_generic).
package pcidev

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const sysfsPCIPath = "/sys/bus/pci/devices"

// Standard configuration-space registers.
const (
	cfgVendorID    = 0x00
	cfgDeviceID    = 0x02
	cfgCommand     = 0x04
	cfgRevision    = 0x08
	cfgBAR0        = 0x10
	cfgSubsystemID = 0x2e

	cmdBusMaster = 1 << 2

	barCount     = 6
	barFlagIO    = 0x1
	barFlags64   = 0x4
)

// Device is one PCI function, addressed by its sysfs name
// (e.g. "0000:00:04.0").
type Device struct {
	addr string
	path string
	cfg  *os.File

	mapped [barCount][]byte
}

// Open opens the PCI function with the given sysfs address.
func Open(addr string) (*Device, error) {
	path := filepath.Join(sysfsPCIPath, addr)
	cfg, err := os.OpenFile(filepath.Join(path, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pcidev: open config space of %s: %w", addr, err)
	}
	return &Device{addr: addr, path: path, cfg: cfg}, nil
}

// Addr returns the sysfs address the device was opened with.
func (d *Device) Addr() string { return d.addr }

// Close unmaps all mapped BARs and closes the configuration space.
func (d *Device) Close() error {
	for i, m := range d.mapped {
		if m != nil {
			unix.Munmap(m)
			d.mapped[i] = nil
		}
	}
	return d.cfg.Close()
}

// ConfigRead8 reads one byte of configuration space.
func (d *Device) ConfigRead8(offset int) (uint8, error) {
	var b [1]byte
	if _, err := d.cfg.ReadAt(b[:], int64(offset)); err != nil {
		return 0, fmt.Errorf("pcidev: config read at %#x: %w", offset, err)
	}
	return b[0], nil
}

// ConfigRead16 reads a little-endian 16-bit configuration register.
func (d *Device) ConfigRead16(offset int) (uint16, error) {
	var b [2]byte
	if _, err := d.cfg.ReadAt(b[:], int64(offset)); err != nil {
		return 0, fmt.Errorf("pcidev: config read at %#x: %w", offset, err)
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// ConfigRead32 reads a little-endian 32-bit configuration register.
func (d *Device) ConfigRead32(offset int) (uint32, error) {
	var b [4]byte
	if _, err := d.cfg.ReadAt(b[:], int64(offset)); err != nil {
		return 0, fmt.Errorf("pcidev: config read at %#x: %w", offset, err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ConfigWrite16 writes a little-endian 16-bit configuration register.
func (d *Device) ConfigWrite16(offset int, v uint16) error {
	b := [2]byte{byte(v), byte(v >> 8)}
	if _, err := d.cfg.WriteAt(b[:], int64(offset)); err != nil {
		return fmt.Errorf("pcidev: config write at %#x: %w", offset, err)
	}
	return nil
}

// VendorID returns the function's vendor identifier.
func (d *Device) VendorID() (uint16, error) { return d.ConfigRead16(cfgVendorID) }

// DeviceID returns the function's device identifier.
func (d *Device) DeviceID() (uint16, error) { return d.ConfigRead16(cfgDeviceID) }

// SubsystemID returns the subsystem device identifier, which transitional
// virtio devices use to carry the virtio device type.
func (d *Device) SubsystemID() (uint16, error) { return d.ConfigRead16(cfgSubsystemID) }

// EnableBusMaster sets the bus-master bit in the command register so the
// device may DMA into driver memory.
func (d *Device) EnableBusMaster() error {
	cmd, err := d.ConfigRead16(cfgCommand)
	if err != nil {
		return err
	}
	if cmd&cmdBusMaster != 0 {
		return nil
	}
	return d.ConfigWrite16(cfgCommand, cmd|cmdBusMaster)
}

// IsIOBAR reports whether BAR index decodes I/O-port space.
func (d *Device) IsIOBAR(index int) (bool, error) {
	if index < 0 || index >= barCount {
		return false, fmt.Errorf("pcidev: BAR index %d out of range", index)
	}
	raw, err := d.ConfigRead32(cfgBAR0 + 4*index)
	if err != nil {
		return false, err
	}
	return raw&barFlagIO != 0, nil
}

// MapBAR maps memory BAR index and returns its bytes. Mapping an
// already-mapped BAR returns the existing mapping.
func (d *Device) MapBAR(index int) ([]byte, error) {
	if index < 0 || index >= barCount {
		return nil, fmt.Errorf("pcidev: BAR index %d out of range", index)
	}
	if d.mapped[index] != nil {
		return d.mapped[index], nil
	}
	if isIO, err := d.IsIOBAR(index); err != nil {
		return nil, err
	} else if isIO {
		return nil, fmt.Errorf("pcidev: BAR %d of %s is I/O space, not memory", index, d.addr)
	}

	path := filepath.Join(d.path, fmt.Sprintf("resource%d", index))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pcidev: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pcidev: stat %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pcidev: mmap %s: %w", path, err)
	}
	d.mapped[index] = mem
	return mem, nil
}

// IOPortBAR opens I/O-port BAR index for register access.
func (d *Device) IOPortBAR(index int) (*PortIO, error) {
	if index < 0 || index >= barCount {
		return nil, fmt.Errorf("pcidev: BAR index %d out of range", index)
	}
	if isIO, err := d.IsIOBAR(index); err != nil {
		return nil, err
	} else if !isIO {
		return nil, fmt.Errorf("pcidev: BAR %d of %s is memory, not I/O space", index, d.addr)
	}
	path := filepath.Join(d.path, fmt.Sprintf("resource%d", index))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pcidev: open %s: %w", path, err)
	}
	return &PortIO{f: f}, nil
}
