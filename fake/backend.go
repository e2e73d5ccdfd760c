// Package fake implements virtio.Backend in memory, playing the device side
// of the protocol: it tracks the status-byte lifecycle (and panics on
// out-of-order transitions, serving as the conformance oracle for tests),
// stores feature words, registers rings, and completes descriptor chains
// through a physically-addressed Memory the same way a device model would.
package fake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/guestdrv/virtio"
)

// ErrClosed is returned by WaitForInterrupt after Close.
var ErrClosed = errors.New("fake: backend closed")

// Backend is an in-memory virtio.Backend.
type Backend struct {
	mem *Memory

	// MaxRingSize is what RingSize reports for every queue. Set before use;
	// defaults to 128.
	MaxRingSize uint16

	// DeviceFeatures is the feature set the device offers.
	DeviceFeatures uint64

	// RejectFeatures makes ConfirmFeatures fail, simulating a device that
	// refuses the negotiated set.
	RejectFeatures bool

	mu             sync.Mutex
	status         uint8
	bound          bool
	driverFeatures uint64
	config         [256]byte
	queues         map[uint16]*Queue
	isr            uint8

	kicks  chan uint16
	irq    chan struct{}
	closed chan struct{}
}

// NewBackend returns a backend completing chains through mem.
func NewBackend(mem *Memory) *Backend {
	return &Backend{
		mem:         mem,
		MaxRingSize: 128,
		queues:      make(map[uint16]*Queue),
		kicks:       make(chan uint16, 64),
		irq:         make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Bind implements virtio.Backend.
func (b *Backend) Bind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = true
	return nil
}

// Close implements virtio.Backend; it unblocks WaitForInterrupt.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

// ReadFeature implements virtio.Backend.
func (b *Backend) ReadFeature(bit uint32) bool {
	return b.DeviceFeatures&(1<<bit) != 0
}

// SetFeature implements virtio.Backend.
func (b *Backend) SetFeature(bit uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driverFeatures |= 1 << bit
}

// DriverFeatures returns the bits the driver has acknowledged so far.
func (b *Backend) DriverFeatures() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.driverFeatures
}

// ConfirmFeatures implements virtio.Backend.
func (b *Backend) ConfirmFeatures() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requireStatus(virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER, "ConfirmFeatures")
	if b.RejectFeatures {
		return virtio.ErrFeaturesRejected
	}
	b.status |= virtio.VIRTIO_STATUS_FEATURES_OK
	return nil
}

// DeviceReset implements virtio.Backend.
func (b *Backend) DeviceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = 0
	b.driverFeatures = 0
	b.isr = 0
	b.queues = make(map[uint16]*Queue)
}

// DriverStatusAck implements virtio.Backend.
func (b *Backend) DriverStatusAck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != 0 {
		panic(fmt.Sprintf("fake: DriverStatusAck with status %#x, want fresh or reset device", b.status))
	}
	b.status |= virtio.VIRTIO_STATUS_ACKNOWLEDGE | virtio.VIRTIO_STATUS_DRIVER
}

// DriverStatusOK implements virtio.Backend.
func (b *Backend) DriverStatusOK() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requireStatus(virtio.VIRTIO_STATUS_ACKNOWLEDGE|virtio.VIRTIO_STATUS_DRIVER, "DriverStatusOK")
	b.status |= virtio.VIRTIO_STATUS_DRIVER_OK
}

func (b *Backend) requireStatus(bits uint8, op string) {
	if b.status&bits != bits {
		panic(fmt.Sprintf("fake: %s with status %#x, want bits %#x set", op, b.status, bits))
	}
}

// Status returns the current device status byte.
func (b *Backend) Status() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Device config space.

// SetConfig seeds the device configuration bytes at offset.
func (b *Backend) SetConfig(offset int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.config[offset:], data)
}

func (b *Backend) ConfigRead8(offset uint16) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config[offset]
}

func (b *Backend) ConfigRead16(offset uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint16(b.config[offset:])
}

func (b *Backend) ConfigRead32(offset uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint32(b.config[offset:])
}

func (b *Backend) ConfigRead64(offset uint16) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint64(b.config[offset:])
}

func (b *Backend) ConfigWrite8(offset uint16, v uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config[offset] = v
}

func (b *Backend) ConfigWrite16(offset uint16, v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint16(b.config[offset:], v)
}

func (b *Backend) ConfigWrite32(offset uint16, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint32(b.config[offset:], v)
}

func (b *Backend) ConfigWrite64(offset uint16, v uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.LittleEndian.PutUint64(b.config[offset:], v)
}

// RingSize implements virtio.Backend.
func (b *Backend) RingSize(index uint16) uint16 {
	return b.MaxRingSize
}

// SetRing implements virtio.Backend.
func (b *Backend) SetRing(index, count uint16, desc, avail, used uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count == 0 || count > b.MaxRingSize {
		return fmt.Errorf("fake: ring %d size %d out of range (max %d)", index, count, b.MaxRingSize)
	}
	b.queues[index] = &Queue{
		mem:       b.mem,
		size:      count,
		descAddr:  desc,
		availAddr: avail,
		usedAddr:  used,
	}
	return nil
}

// Queue returns the device-side view of a registered ring.
func (b *Backend) Queue(index uint16) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[index]
}

// RingKick implements virtio.Backend. Kicks are delivered on Kicks for a
// device-model goroutine to service.
func (b *Backend) RingKick(index uint16) {
	select {
	case b.kicks <- index:
	default:
	}
}

// Kicks returns the channel of queue notifications.
func (b *Backend) Kicks() <-chan uint16 { return b.kicks }

// Complete publishes a completion for the chain at head on the given queue
// and raises the queue interrupt.
func (b *Backend) Complete(index, head uint16, length uint32) error {
	q := b.Queue(index)
	if q == nil {
		return fmt.Errorf("fake: queue %d not registered", index)
	}
	if err := q.Complete(head, length); err != nil {
		return err
	}
	b.RaiseInterrupt(virtio.VIRTIO_ISR_QUEUE_INT)
	return nil
}

// RaiseInterrupt sets ISR bits and signals the interrupt.
func (b *Backend) RaiseInterrupt(bits uint8) {
	b.mu.Lock()
	b.isr |= bits
	b.mu.Unlock()
	select {
	case b.irq <- struct{}{}:
	default:
	}
}

// IsrStatus implements virtio.Backend; reading clears the pending bits.
func (b *Backend) IsrStatus() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.isr
	b.isr = 0
	return v
}

// InterruptValid implements virtio.Backend.
func (b *Backend) InterruptValid() bool {
	select {
	case <-b.closed:
		return false
	default:
		return true
	}
}

// WaitForInterrupt implements virtio.Backend.
func (b *Backend) WaitForInterrupt() error {
	select {
	case <-b.irq:
		return nil
	case <-b.closed:
		return ErrClosed
	}
}
