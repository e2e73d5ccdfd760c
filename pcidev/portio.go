package pcidev

import (
	"encoding/binary"
	"log/slog"
	"os"
)

// PortIO is an I/O-port BAR accessed through its sysfs resource file. Port
// reads and writes past setup are assumed to succeed; an I/O error here means
// the device disappeared, which is logged and otherwise surfaces as zero
// reads.
type PortIO struct {
	f *os.File
}

// Close closes the port window.
func (p *PortIO) Close() error { return p.f.Close() }

func (p *PortIO) read(off uint32, b []byte) {
	if _, err := p.f.ReadAt(b, int64(off)); err != nil {
		slog.Error("pcidev: port read failed", "offset", off, "err", err)
		for i := range b {
			b[i] = 0
		}
	}
}

func (p *PortIO) write(off uint32, b []byte) {
	if _, err := p.f.WriteAt(b, int64(off)); err != nil {
		slog.Error("pcidev: port write failed", "offset", off, "err", err)
	}
}

// Read8 reads one byte at the given offset into the window.
func (p *PortIO) Read8(off uint32) uint8 {
	var b [1]byte
	p.read(off, b[:])
	return b[0]
}

// Read16 reads a little-endian 16-bit value.
func (p *PortIO) Read16(off uint32) uint16 {
	var b [2]byte
	p.read(off, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

// Read32 reads a little-endian 32-bit value.
func (p *PortIO) Read32(off uint32) uint32 {
	var b [4]byte
	p.read(off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Write8 writes one byte at the given offset into the window.
func (p *PortIO) Write8(off uint32, v uint8) {
	b := [1]byte{v}
	p.write(off, b[:])
}

// Write16 writes a little-endian 16-bit value.
func (p *PortIO) Write16(off uint32, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.write(off, b[:])
}

// Write32 writes a little-endian 32-bit value.
func (p *PortIO) Write32(off uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.write(off, b[:])
}
