package fake

import (
	"encoding/binary"
	"fmt"

	"github.com/guestdrv/virtio"
)

// Queue is the device-side view of one registered ring: it consumes the
// available ring, walks descriptor chains through guest memory, and publishes
// completions on the used ring, the way a hypervisor's device model would.
type Queue struct {
	mem  *Memory
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
	usedIdx   uint16
}

func (q *Queue) readU16(addr uint64) (uint16, error) {
	var b [2]byte
	if _, err := q.mem.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (q *Queue) writeU16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := q.mem.WriteAt(b[:], int64(addr))
	return err
}

func (q *Queue) writeU32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := q.mem.WriteAt(b[:], int64(addr))
	return err
}

// AvailIdx returns the driver-published available index.
func (q *Queue) AvailIdx() (uint16, error) {
	return q.readU16(q.availAddr + 2)
}

// NextAvail consumes the next available-ring entry. ok is false when the
// device has caught up with the driver.
func (q *Queue) NextAvail() (head uint16, ok bool, err error) {
	idx, err := q.AvailIdx()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvail == idx {
		return 0, false, nil
	}
	head, err = q.readU16(q.availAddr + 4 + uint64(q.lastAvail%q.size)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvail++
	return head, true, nil
}

// ReadDesc reads descriptor table entry i.
func (q *Queue) ReadDesc(i uint16) (virtio.Desc, error) {
	if i >= q.size {
		return virtio.Desc{}, fmt.Errorf("fake: descriptor index %d out of bounds (size %d)", i, q.size)
	}
	var b [16]byte
	if _, err := q.mem.ReadAt(b[:], int64(q.descAddr+uint64(i)*16)); err != nil {
		return virtio.Desc{}, err
	}
	return virtio.Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// Chain walks the descriptor chain at head, bounded by the ring size to
// defend against loops.
func (q *Queue) Chain(head uint16) ([]virtio.Desc, error) {
	var chain []virtio.Desc
	index := head
	for i := uint16(0); i < q.size; i++ {
		d, err := q.ReadDesc(index)
		if err != nil {
			return chain, err
		}
		chain = append(chain, d)
		if d.Flags&virtio.VRING_DESC_F_NEXT == 0 {
			return chain, nil
		}
		index = d.Next
	}
	return chain, fmt.Errorf("fake: descriptor chain at %d exceeds ring size", head)
}

// ReadBuf reads the buffer a descriptor points at.
func (q *Queue) ReadBuf(d virtio.Desc) ([]byte, error) {
	buf := make([]byte, d.Len)
	if _, err := q.mem.ReadAt(buf, int64(d.Addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBuf fills a device-writable descriptor's buffer and returns the number
// of bytes written.
func (q *Queue) WriteBuf(d virtio.Desc, data []byte) (uint32, error) {
	if d.Flags&virtio.VRING_DESC_F_WRITE == 0 {
		return 0, fmt.Errorf("fake: descriptor is not device-writable")
	}
	n := len(data)
	if uint32(n) > d.Len {
		n = int(d.Len)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := q.mem.WriteAt(data[:n], int64(d.Addr)); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Complete publishes a used-ring entry for the chain at head and bumps the
// used index the way a device would: element first, index after.
func (q *Queue) Complete(head uint16, length uint32) error {
	base := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	if err := q.writeU32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeU32(base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeU16(q.usedAddr+2, q.usedIdx)
}
