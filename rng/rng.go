// Package rng drives a virtio entropy device. The device model is minimal:
// one queue of device-writable buffers that the host fills with random bytes.
package rng

import (
	"fmt"
	"io"
	"sync"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/dma"
)

const (
	requestQueue = 0
	ringSize     = 16
	bufSize      = 4096
)

// Device is a virtio entropy device. It implements io.Reader; reads block
// until the host returns entropy.
type Device struct {
	dev  *virtio.Device
	ring *virtio.Ring
	buf  *dma.Buffer

	mu   sync.Mutex // one outstanding request
	done chan uint32
}

var _ io.Reader = (*Device)(nil)
var _ virtio.Handler = (*Device)(nil)

// Open brings up the entropy device on a bound backend.
func Open(be virtio.Backend, cfg *virtio.Config) (*Device, error) {
	d := &Device{done: make(chan uint32, 1)}
	dev, err := virtio.New(be, d, cfg)
	if err != nil {
		return nil, err
	}
	d.dev = dev

	dev.DeviceReset()
	dev.DriverStatusAck()
	if dev.DeviceFeatureSupported(virtio.VIRTIO_F_VERSION_1) {
		dev.DriverFeatureAck(virtio.VIRTIO_F_VERSION_1)
	}
	if err := dev.ConfirmFeatures(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("rng: negotiate features: %w", err)
	}

	count := uint16(ringSize)
	if max := be.RingSize(requestQueue); max < count {
		count = max
	}
	d.ring = virtio.NewRing(dev)
	if err := d.ring.Init(requestQueue, count); err != nil {
		dev.Close()
		return nil, err
	}
	if d.buf, err = dev.AllocBuffer(bufSize); err != nil {
		d.ring.Close()
		dev.Close()
		return nil, err
	}

	dev.StartIRQThread()
	dev.DriverStatusOK()
	return d, nil
}

// Close shuts the device down.
func (d *Device) Close() error {
	err := d.dev.Close()
	d.ring.Close()
	d.buf.Close()
	return err
}

// Read fills p with entropy from the device, up to one buffer per call.
func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(p)
	if n > bufSize {
		n = bufSize
	}

	head, err := d.ring.AllocDescChain(1)
	if err != nil {
		return 0, err
	}
	desc := d.ring.Desc(head)
	desc.Addr = d.buf.PhysAddr()
	desc.Len = uint32(n)
	desc.Flags |= virtio.VRING_DESC_F_WRITE

	d.ring.SubmitChain(head)
	d.ring.Kick()

	got := <-d.done
	if got > uint32(n) {
		got = uint32(n)
	}
	if got == 0 {
		return 0, io.ErrNoProgress
	}
	return copy(p, d.buf.Bytes()[:got]), nil
}

// RingUpdate implements virtio.Handler.
func (d *Device) RingUpdate() {
	d.ring.ProcessUsed(func(e virtio.UsedElem) {
		d.ring.FreeChain(uint16(e.ID))
		select {
		case d.done <- e.Len:
		default:
		}
	})
}

// ConfigChange implements virtio.Handler. The entropy device has no
// configuration space, so there is nothing to re-read.
func (d *Device) ConfigChange() {}
