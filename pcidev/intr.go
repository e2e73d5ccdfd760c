package pcidev

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Interrupt is the device's interrupt source, backed by the uio node bound to
// the function (uio_pci_generic). Reading the node blocks until the interrupt
// count changes; writing 1 re-arms a level-triggered line the kernel masked
// when it delivered the previous interrupt.
type Interrupt struct {
	f      *os.File
	closed atomic.Bool
}

// Interrupt opens the device's uio interrupt node.
func (d *Device) Interrupt() (*Interrupt, error) {
	matches, err := filepath.Glob(filepath.Join(d.path, "uio", "uio*"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("pcidev: no uio node for %s (is uio_pci_generic bound?)", d.addr)
	}
	node := filepath.Join("/dev", filepath.Base(matches[0]))
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pcidev: open %s: %w", node, err)
	}
	return &Interrupt{f: f}, nil
}

// Wait re-arms the interrupt and blocks until the device raises it or the
// source is closed.
func (i *Interrupt) Wait() error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	if _, err := i.f.Write(b[:]); err != nil {
		return fmt.Errorf("pcidev: re-arm interrupt: %w", err)
	}
	if _, err := i.f.Read(b[:]); err != nil {
		return fmt.Errorf("pcidev: interrupt wait: %w", err)
	}
	return nil
}

// Valid reports whether the interrupt source is still open.
func (i *Interrupt) Valid() bool { return !i.closed.Load() }

// Close tears down the source, unblocking any pending Wait.
func (i *Interrupt) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	return i.f.Close()
}
