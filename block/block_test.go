package block_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/block"
	"github.com/guestdrv/virtio/dma"
	"github.com/guestdrv/virtio/fake"
)

const diskSectors = 64

// disk is the backing store of the test device model. badSector poisons one
// sector so I/O against it fails with an in-band error status.
type disk struct {
	data      []byte
	badSector uint64
	flushes   atomic.Int64
}

func newDisk() *disk {
	d := &disk{data: make([]byte, diskSectors*block.SectorSize), badSector: ^uint64(0)}
	for i := range d.data {
		d.data[i] = byte(i * 7)
	}
	return d
}

// startBlockModel services queue kicks like a host block device model.
func startBlockModel(t *testing.T, be *fake.Backend, dk *disk) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-be.Kicks():
			case <-stop:
				return
			}
			q := be.Queue(0)
			for {
				head, ok, err := q.NextAvail()
				if err != nil || !ok {
					break
				}
				chain, err := q.Chain(head)
				if err != nil {
					return
				}
				dk.serve(t, be, q, head, chain)
			}
		}
	}()
}

func (dk *disk) serve(t *testing.T, be *fake.Backend, q *fake.Queue, head uint16, chain []virtio.Desc) {
	hdr, err := q.ReadBuf(chain[0])
	if err != nil || len(hdr) < 16 {
		t.Errorf("bad request header: %v", err)
		return
	}
	typ := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])
	statusDesc := chain[len(chain)-1]

	status := byte(block.VIRTIO_BLK_S_OK)
	var written uint32
	switch typ {
	case block.VIRTIO_BLK_T_IN:
		data := chain[1]
		end := sector*block.SectorSize + uint64(data.Len)
		if sector == dk.badSector || end > uint64(len(dk.data)) {
			status = block.VIRTIO_BLK_S_IOERR
			break
		}
		written, err = q.WriteBuf(data, dk.data[sector*block.SectorSize:end])
		if err != nil {
			t.Errorf("WriteBuf: %v", err)
			return
		}
	case block.VIRTIO_BLK_T_OUT:
		data := chain[1]
		end := sector*block.SectorSize + uint64(data.Len)
		if sector == dk.badSector || end > uint64(len(dk.data)) {
			status = block.VIRTIO_BLK_S_IOERR
			break
		}
		buf, err := q.ReadBuf(data)
		if err != nil {
			t.Errorf("ReadBuf: %v", err)
			return
		}
		copy(dk.data[sector*block.SectorSize:end], buf)
	case block.VIRTIO_BLK_T_FLUSH:
		dk.flushes.Add(1)
	default:
		status = block.VIRTIO_BLK_S_UNSUPP
	}

	if _, err := q.WriteBuf(statusDesc, []byte{status}); err != nil {
		t.Errorf("write status: %v", err)
		return
	}
	if err := be.Complete(0, head, written+1); err != nil {
		t.Errorf("Complete: %v", err)
	}
}

type openOpts struct {
	features uint64
	blkSize  uint32
}

func openTestDevice(t *testing.T, dk *disk, opts openOpts) (*block.Device, *fake.Backend) {
	t.Helper()
	mem := fake.NewMemory()
	be := fake.NewBackend(mem)
	if err := be.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	be.DeviceFeatures = 1<<virtio.VIRTIO_F_VERSION_1 | opts.features

	var capacity [8]byte
	binary.LittleEndian.PutUint64(capacity[:], diskSectors)
	be.SetConfig(0, capacity[:])
	if opts.blkSize != 0 {
		var bs [4]byte
		binary.LittleEndian.PutUint32(bs[:], opts.blkSize)
		be.SetConfig(20, bs[:])
	}

	startBlockModel(t, be, dk)

	d, err := block.Open(be, &virtio.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Alloc:  fake.NewAllocator(mem),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, be
}

func TestOpenReadsGeometry(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		d, _ := openTestDevice(t, newDisk(), openOpts{})
		if got := d.Capacity(); got != diskSectors*block.SectorSize {
			t.Errorf("Capacity() = %d, want %d", got, diskSectors*block.SectorSize)
		}
		if got := d.BlockSize(); got != block.SectorSize {
			t.Errorf("BlockSize() = %d, want %d default", got, block.SectorSize)
		}
		if d.ReadOnly() {
			t.Error("ReadOnly() = true, feature never offered")
		}
	})

	t.Run("BlkSizeFeature", func(t *testing.T) {
		d, _ := openTestDevice(t, newDisk(), openOpts{
			features: 1 << block.VIRTIO_BLK_F_BLK_SIZE,
			blkSize:  4096,
		})
		if got := d.BlockSize(); got != 4096 {
			t.Errorf("BlockSize() = %d, want 4096 from device config", got)
		}
	})
}

func TestReadAt(t *testing.T) {
	dk := newDisk()
	d, _ := openTestDevice(t, dk, openOpts{})

	buf := make([]byte, 4*block.SectorSize)
	n, err := d.ReadAt(buf, 2*block.SectorSize)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("ReadAt = %d bytes, want %d", n, len(buf))
	}
	want := dk.data[2*block.SectorSize : 6*block.SectorSize]
	if !bytes.Equal(buf, want) {
		t.Error("ReadAt returned wrong sector contents")
	}
}

func TestWriteAtRoundTrip(t *testing.T) {
	dk := newDisk()
	d, _ := openTestDevice(t, dk, openOpts{})

	out := bytes.Repeat([]byte{0xa5, 0x5a}, block.SectorSize)
	if _, err := d.WriteAt(out, 8*block.SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	back := make([]byte, len(out))
	if _, err := d.ReadAt(back, 8*block.SectorSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(back, out) {
		t.Error("read back different data than written")
	}
}

func TestUnaligned(t *testing.T) {
	d, _ := openTestDevice(t, newDisk(), openOpts{})

	buf := make([]byte, block.SectorSize)
	if _, err := d.ReadAt(buf, 7); !errors.Is(err, block.ErrUnaligned) {
		t.Errorf("ReadAt at odd offset = %v, want ErrUnaligned", err)
	}
	if _, err := d.ReadAt(buf[:100], 0); !errors.Is(err, block.ErrUnaligned) {
		t.Errorf("ReadAt with odd length = %v, want ErrUnaligned", err)
	}
	if _, err := d.WriteAt(buf[:100], 0); !errors.Is(err, block.ErrUnaligned) {
		t.Errorf("WriteAt with odd length = %v, want ErrUnaligned", err)
	}
}

func TestReadPastEnd(t *testing.T) {
	d, _ := openTestDevice(t, newDisk(), openOpts{})

	buf := make([]byte, 4*block.SectorSize)
	n, err := d.ReadAt(buf, (diskSectors-2)*block.SectorSize)
	if err != io.EOF {
		t.Errorf("ReadAt past end = %v, want io.EOF", err)
	}
	if n != 2*block.SectorSize {
		t.Errorf("ReadAt past end = %d bytes, want %d truncated", n, 2*block.SectorSize)
	}

	if n, err := d.ReadAt(buf, diskSectors*block.SectorSize); n != 0 || err != io.EOF {
		t.Errorf("ReadAt at end = %d, %v; want 0, io.EOF", n, err)
	}
}

func TestWriteReadOnly(t *testing.T) {
	d, _ := openTestDevice(t, newDisk(), openOpts{features: 1 << block.VIRTIO_BLK_F_RO})

	buf := make([]byte, block.SectorSize)
	if _, err := d.WriteAt(buf, 0); !errors.Is(err, block.ErrReadOnly) {
		t.Errorf("WriteAt on read-only device = %v, want ErrReadOnly", err)
	}
}

func TestDeviceError(t *testing.T) {
	dk := newDisk()
	dk.badSector = 13
	d, _ := openTestDevice(t, dk, openOpts{})

	buf := make([]byte, block.SectorSize)
	if _, err := d.ReadAt(buf, 13*block.SectorSize); !errors.Is(err, block.ErrIO) {
		t.Errorf("ReadAt on bad sector = %v, want ErrIO", err)
	}
}

// TestConfigChangeDuringRequest serves the completion by hand, with no model
// goroutine, so a configuration-change interrupt can be raised while the
// request is still in flight. The interrupt worker must stay free to deliver
// the completion afterwards.
func TestConfigChangeDuringRequest(t *testing.T) {
	mem := fake.NewMemory()
	be := fake.NewBackend(mem)
	if err := be.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	be.DeviceFeatures = 1 << virtio.VIRTIO_F_VERSION_1

	var capacity [8]byte
	binary.LittleEndian.PutUint64(capacity[:], diskSectors)
	be.SetConfig(0, capacity[:])

	d, err := block.Open(be, &virtio.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Alloc:  fake.NewAllocator(mem),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	buf := make([]byte, block.SectorSize)
	done := make(chan error, 1)
	go func() {
		_, err := d.ReadAt(buf, 0)
		done <- err
	}()

	select {
	case <-be.Kicks():
	case <-time.After(2 * time.Second):
		t.Fatal("request was never submitted")
	}

	// Grow the device and signal the change while the request waits.
	binary.LittleEndian.PutUint64(capacity[:], 2*diskSectors)
	be.SetConfig(0, capacity[:])
	be.RaiseInterrupt(virtio.VIRTIO_ISR_CONFIG_INT)

	deadline := time.Now().Add(2 * time.Second)
	for d.Capacity() != 2*diskSectors*block.SectorSize {
		if time.Now().After(deadline) {
			t.Fatal("capacity never refreshed: config change stuck behind the in-flight request")
		}
		time.Sleep(time.Millisecond)
	}

	// Now complete the chain; the driver must wake up.
	q := be.Queue(0)
	head, ok, err := q.NextAvail()
	if err != nil || !ok {
		t.Fatalf("NextAvail = %v, %v, %v; want chain", head, ok, err)
	}
	chain, err := q.Chain(head)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if _, err := q.WriteBuf(chain[1], make([]byte, block.SectorSize)); err != nil {
		t.Fatalf("WriteBuf: %v", err)
	}
	if _, err := q.WriteBuf(chain[2], []byte{block.VIRTIO_BLK_S_OK}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	if err := be.Complete(0, head, block.SectorSize+1); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadAt: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadAt never completed after a config-change interrupt raced an in-flight request")
	}
}

// flakyAlloc fails every allocation after the first failAfter calls.
type flakyAlloc struct {
	inner     dma.Allocator
	failAfter int
	n         int
}

func (a *flakyAlloc) Alloc(size int) (*dma.Buffer, error) {
	a.n++
	if a.n > a.failAfter {
		return nil, errors.New("out of DMA memory")
	}
	return a.inner.Alloc(size)
}

func TestOpenBufferAllocFailure(t *testing.T) {
	mem := fake.NewMemory()
	be := fake.NewBackend(mem)
	if err := be.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	be.DeviceFeatures = 1 << virtio.VIRTIO_F_VERSION_1

	var capacity [8]byte
	binary.LittleEndian.PutUint64(capacity[:], diskSectors)
	be.SetConfig(0, capacity[:])

	// The ring allocation succeeds; the bounce buffer allocation fails.
	_, err := block.Open(be, &virtio.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Alloc:  &flakyAlloc{inner: fake.NewAllocator(mem), failAfter: 1},
	})
	if err == nil {
		t.Fatal("Open with failing buffer allocation succeeded, want error")
	}
	if be.InterruptValid() {
		t.Error("backend left open after failed Open")
	}
}

func TestFlush(t *testing.T) {
	t.Run("Offered", func(t *testing.T) {
		dk := newDisk()
		d, _ := openTestDevice(t, dk, openOpts{features: 1 << block.VIRTIO_BLK_F_FLUSH})
		if err := d.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if got := dk.flushes.Load(); got != 1 {
			t.Errorf("device saw %d flush requests, want 1", got)
		}
	})

	t.Run("NotOffered", func(t *testing.T) {
		dk := newDisk()
		d, _ := openTestDevice(t, dk, openOpts{})
		if err := d.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if got := dk.flushes.Load(); got != 0 {
			t.Errorf("device saw %d flush requests without the feature, want 0", got)
		}
	})
}
