package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/guestdrv/virtio/dma"
)

// Handler receives the interrupt callbacks of a Device. Concrete drivers
// implement it on the same type that embeds or owns the Device.
//
// Both callbacks run on the device's interrupt worker with the device lock
// held, so driver state touched from them is serialized against any other
// path that takes the same lock.
type Handler interface {
	// RingUpdate is called when the device signals used-ring progress. The
	// handler drains its rings with Ring.ProcessUsed and frees completed
	// chains.
	RingUpdate()

	// ConfigChange is called when the device signals a configuration change.
	ConfigChange()
}

// Config carries the optional collaborators of a Device.
type Config struct {
	// Logger for the device; defaults to slog.Default.
	Logger *slog.Logger

	// Alloc provides DMA memory for rings and driver buffers. Defaults to
	// the host allocator, which needs CAP_SYS_ADMIN.
	Alloc dma.Allocator
}

// Device is the base every concrete virtio driver builds on. It exclusively
// owns a bound Backend, hands out Rings, and runs the single interrupt worker
// that dispatches RingUpdate and ConfigChange.
type Device struct {
	be    Backend
	h     Handler
	log   *slog.Logger
	alloc dma.Allocator

	mu       sync.Mutex
	irqOnce  sync.Once
	irqDone  sync.WaitGroup
	shutdown bool
}

// New wires a Device over an already-bound backend. cfg may be nil.
func New(be Backend, h Handler, cfg *Config) (*Device, error) {
	d := &Device{be: be, h: h}
	if cfg != nil {
		d.log = cfg.Logger
		d.alloc = cfg.Alloc
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.alloc == nil {
		alloc, err := dma.NewHostAllocator()
		if err != nil {
			return nil, fmt.Errorf("virtio: no DMA allocator: %w", err)
		}
		d.alloc = alloc
	}
	return d, nil
}

// Backend returns the device's transport.
func (d *Device) Backend() Backend { return d.be }

// Lock acquires the device lock, the same lock the interrupt worker holds
// while running the handler callbacks. Drivers take it around any state the
// callbacks also touch.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the device lock.
func (d *Device) Unlock() { d.mu.Unlock() }

// Status lifecycle passthroughs. Drivers call these from their bring-up in
// the mandated order: DeviceReset, read config, DriverStatusAck, negotiate
// features, ConfirmFeatures, allocate rings and buffers, StartIRQThread,
// DriverStatusOK.

// DeviceReset resets the device to its initial state.
func (d *Device) DeviceReset() { d.be.DeviceReset() }

// DriverStatusAck tells the device a driver has found it.
func (d *Device) DriverStatusAck() { d.be.DriverStatusAck() }

// DriverStatusOK tells the device the driver is fully operational.
func (d *Device) DriverStatusOK() { d.be.DriverStatusOK() }

// DeviceFeatureSupported reports whether the device offers a feature bit.
func (d *Device) DeviceFeatureSupported(bit uint32) bool { return d.be.ReadFeature(bit) }

// DriverFeatureAck acknowledges a feature bit.
func (d *Device) DriverFeatureAck(bit uint32) { d.be.SetFeature(bit) }

// ConfirmFeatures finalizes feature negotiation with the device.
func (d *Device) ConfirmFeatures() error { return d.be.ConfirmFeatures() }

// StartIRQThread starts the interrupt worker. It runs until the backend's
// interrupt source is torn down by Close; starting twice is a no-op.
func (d *Device) StartIRQThread() {
	d.irqOnce.Do(func() {
		d.irqDone.Add(1)
		go d.irqWorker()
	})
}

func (d *Device) irqWorker() {
	defer d.irqDone.Done()
	for {
		if err := d.be.WaitForInterrupt(); err != nil {
			d.mu.Lock()
			quiet := d.shutdown || !d.be.InterruptValid()
			d.mu.Unlock()
			if !quiet {
				d.log.Error("virtio: interrupt wait failed", "err", err)
			}
			return
		}

		isr := d.be.IsrStatus()
		if isr == 0 {
			// Shared line fired for another device, or the device raced an
			// acknowledge. Not an error.
			d.log.Debug("virtio: spurious interrupt")
			continue
		}

		d.mu.Lock()
		if isr&VIRTIO_ISR_QUEUE_INT != 0 {
			d.h.RingUpdate()
		}
		if isr&VIRTIO_ISR_CONFIG_INT != 0 {
			d.h.ConfigChange()
		}
		d.mu.Unlock()
	}
}

// Close tears down the backend, which unblocks the interrupt worker, and
// waits for the worker to exit.
func (d *Device) Close() error {
	d.mu.Lock()
	already := d.shutdown
	d.shutdown = true
	d.mu.Unlock()
	if already {
		return nil
	}
	err := d.be.Close()
	d.irqDone.Wait()
	return err
}

// AllocBuffer allocates a device-visible buffer from the device's allocator.
func (d *Device) AllocBuffer(size int) (*dma.Buffer, error) {
	return d.alloc.Alloc(size)
}
