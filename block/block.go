// Package block drives a virtio block device. Requests are synchronous:
// each I/O builds a header/data/status descriptor chain, kicks the queue
// and waits for the interrupt handler to signal completion.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/dma"
)

// Request types from the block device specification.
const (
	VIRTIO_BLK_T_IN    = 0
	VIRTIO_BLK_T_OUT   = 1
	VIRTIO_BLK_T_FLUSH = 4

	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2

	VIRTIO_BLK_F_RO       = 5
	VIRTIO_BLK_F_BLK_SIZE = 6
	VIRTIO_BLK_F_FLUSH    = 9
)

const (
	requestQueue = 0
	ringSize     = 128

	// Device config layout: capacity in 512-byte sectors at offset 0,
	// optional block size at offset 20.
	configCapacity = 0
	configBlkSize  = 20

	SectorSize = 512

	reqHdrSize = 16
	// Bounce buffer layout: header, status byte, then sector-aligned data.
	statusOff   = reqHdrSize
	dataOff     = SectorSize
	maxTransfer = 64 * 1024
)

var (
	ErrReadOnly    = errors.New("block: device is read-only")
	ErrIO          = errors.New("block: device reported I/O error")
	ErrUnsupported = errors.New("block: request not supported by device")
	ErrUnaligned   = errors.New("block: offset and length must be sector aligned")
)

// Device is a virtio block device. It implements io.ReaderAt and
// io.WriterAt at sector granularity.
type Device struct {
	dev  *virtio.Device
	ring *virtio.Ring
	buf  *dma.Buffer

	blockSize uint32
	readOnly  bool
	canFlush  bool

	mu   sync.Mutex // one outstanding request
	done chan struct{}

	// capacity is atomic, not guarded by mu: ConfigChange runs on the
	// interrupt worker and must never block on the request mutex, which a
	// waiting request holds until that same worker delivers its completion.
	capacity atomic.Uint64 // bytes
}

var _ io.ReaderAt = (*Device)(nil)
var _ io.WriterAt = (*Device)(nil)
var _ virtio.Handler = (*Device)(nil)

// Open brings up the block device on a bound backend.
func Open(be virtio.Backend, cfg *virtio.Config) (*Device, error) {
	d := &Device{done: make(chan struct{}, 1)}
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
	d.readOnly = dev.DeviceFeatureSupported(VIRTIO_BLK_F_RO)
	if d.readOnly {
		dev.DriverFeatureAck(VIRTIO_BLK_F_RO)
	}
	d.canFlush = dev.DeviceFeatureSupported(VIRTIO_BLK_F_FLUSH)
	if d.canFlush {
		dev.DriverFeatureAck(VIRTIO_BLK_F_FLUSH)
	}
	hasBlkSize := dev.DeviceFeatureSupported(VIRTIO_BLK_F_BLK_SIZE)
	if hasBlkSize {
		dev.DriverFeatureAck(VIRTIO_BLK_F_BLK_SIZE)
	}
	if err := dev.ConfirmFeatures(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("block: negotiate features: %w", err)
	}

	d.capacity.Store(virtio.ReadConfig[uint64](dev, configCapacity) * SectorSize)
	d.blockSize = SectorSize
	if hasBlkSize {
		d.blockSize = virtio.ReadConfig[uint32](dev, configBlkSize)
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
	if d.buf, err = dev.AllocBuffer(dataOff + maxTransfer); err != nil {
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

// Capacity returns the device size in bytes. A configuration change
// interrupt refreshes it, so the value may move between calls.
func (d *Device) Capacity() uint64 {
	return d.capacity.Load()
}

// BlockSize returns the device's preferred block size in bytes.
func (d *Device) BlockSize() uint32 { return d.blockSize }

// ReadOnly reports whether the device rejects writes.
func (d *Device) ReadOnly() bool { return d.readOnly }

// ReadAt reads sectors from the device into p. Both off and len(p) must be
// multiples of the sector size. Reads past the end of the device are
// truncated and return io.EOF.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, ErrUnaligned
	}
	size := int64(d.Capacity())
	if off >= size {
		return 0, io.EOF
	}
	short := false
	if int64(len(p)) > size-off {
		p = p[:size-off]
		short = true
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxTransfer {
			n = maxTransfer
		}
		d.mu.Lock()
		err := d.requestLocked(VIRTIO_BLK_T_IN, uint64(off)/SectorSize, n, true)
		if err == nil {
			copy(p[:n], d.buf.Bytes()[dataOff:dataOff+n])
		}
		d.mu.Unlock()
		if err != nil {
			return total, err
		}
		p = p[n:]
		off += int64(n)
		total += n
	}
	if short {
		return total, io.EOF
	}
	return total, nil
}

// WriteAt writes sectors from p to the device. Both off and len(p) must be
// multiples of the sector size.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, ErrUnaligned
	}
	if end := uint64(off) + uint64(len(p)); end > d.Capacity() {
		return 0, fmt.Errorf("block: write beyond device capacity: %w", io.ErrShortWrite)
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxTransfer {
			n = maxTransfer
		}
		d.mu.Lock()
		copy(d.buf.Bytes()[dataOff:dataOff+n], p[:n])
		err := d.requestLocked(VIRTIO_BLK_T_OUT, uint64(off)/SectorSize, n, false)
		d.mu.Unlock()
		if err != nil {
			return total, err
		}
		p = p[n:]
		off += int64(n)
		total += n
	}
	return total, nil
}

// Flush asks the device to commit pending writes to stable storage. It is
// a no-op when the device did not offer the flush feature.
func (d *Device) Flush() error {
	if !d.canFlush {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestLocked(VIRTIO_BLK_T_FLUSH, 0, 0, false)
}

// requestLocked issues one block request and waits for its completion.
// The caller holds d.mu. The data segment, when present, lives in the
// shared bounce buffer at dataOff; deviceWrites marks it device-writable.
func (d *Device) requestLocked(typ uint32, sector uint64, dataLen int, deviceWrites bool) error {
	mem := d.buf.Bytes()
	binary.LittleEndian.PutUint32(mem[0:], typ)
	binary.LittleEndian.PutUint32(mem[4:], 0)
	binary.LittleEndian.PutUint64(mem[8:], sector)
	mem[statusOff] = 0xff

	descs := uint16(2)
	if dataLen > 0 {
		descs = 3
	}
	head, err := d.ring.AllocDescChain(descs)
	if err != nil {
		return err
	}

	phys := d.buf.PhysAddr()
	hdr := d.ring.Desc(head)
	hdr.Addr = phys
	hdr.Len = reqHdrSize
	next := hdr.Next
	if dataLen > 0 {
		data := d.ring.Desc(next)
		data.Addr = phys + dataOff
		data.Len = uint32(dataLen)
		if deviceWrites {
			data.Flags |= virtio.VRING_DESC_F_WRITE
		}
		next = data.Next
	}
	status := d.ring.Desc(next)
	status.Addr = phys + statusOff
	status.Len = 1
	status.Flags |= virtio.VRING_DESC_F_WRITE

	d.ring.SubmitChain(head)
	d.ring.Kick()
	<-d.done

	switch mem[statusOff] {
	case VIRTIO_BLK_S_OK:
		return nil
	case VIRTIO_BLK_S_UNSUPP:
		return ErrUnsupported
	default:
		return ErrIO
	}
}

// RingUpdate implements virtio.Handler.
func (d *Device) RingUpdate() {
	d.ring.ProcessUsed(func(e virtio.UsedElem) {
		d.ring.FreeChain(uint16(e.ID))
		select {
		case d.done <- struct{}{}:
		default:
		}
	})
}

// ConfigChange implements virtio.Handler. The capacity field is the only
// part of the config the device may change at runtime.
func (d *Device) ConfigChange() {
	d.capacity.Store(virtio.ReadConfig[uint64](d.dev, configCapacity) * SectorSize)
}
