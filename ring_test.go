package virtio_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/guestdrv/virtio"
	"github.com/guestdrv/virtio/fake"
)

type nopHandler struct{}

func (nopHandler) RingUpdate()   {}
func (nopHandler) ConfigChange() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rig bundles a fake device model with a driver-side Device for tests.
type rig struct {
	dev   *virtio.Device
	be    *fake.Backend
	alloc *fake.Allocator
}

func newRig(t *testing.T, h virtio.Handler) *rig {
	t.Helper()
	mem := fake.NewMemory()
	be := fake.NewBackend(mem)
	if err := be.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if h == nil {
		h = nopHandler{}
	}
	alloc := fake.NewAllocator(mem)
	dev, err := virtio.New(be, h, &virtio.Config{
		Logger: testLogger(),
		Alloc:  alloc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return &rig{dev: dev, be: be, alloc: alloc}
}

func newTestRing(t *testing.T, size uint16) (*virtio.Ring, *rig) {
	t.Helper()
	rg := newRig(t, nil)
	r := virtio.NewRing(rg.dev)
	if err := r.Init(0, size); err != nil {
		t.Fatalf("Init(%d): %v", size, err)
	}
	t.Cleanup(func() { r.Close() })
	return r, rg
}

func TestRingInit(t *testing.T) {
	t.Run("FullSize", func(t *testing.T) {
		r, _ := newTestRing(t, 128)
		if got := r.Size(); got != 128 {
			t.Errorf("Size() = %d, want 128", got)
		}
		if got := r.FreeCount(); got != 128 {
			t.Errorf("FreeCount() = %d, want 128 after init", got)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		rg := newRig(t, nil)
		r := virtio.NewRing(rg.dev)
		err := r.Init(0, 256)
		if !errors.Is(err, virtio.ErrRingTooSmall) {
			t.Errorf("Init(256) with device max 128 = %v, want ErrRingTooSmall", err)
		}
	})

	t.Run("NotPowerOfTwo", func(t *testing.T) {
		rg := newRig(t, nil)
		r := virtio.NewRing(rg.dev)
		for _, size := range []uint16{0, 3, 100} {
			if err := r.Init(0, size); err == nil {
				t.Errorf("Init(%d) succeeded, want error", size)
			}
		}
	})
}

func TestAllocDescChain(t *testing.T) {
	r, _ := newTestRing(t, 16)

	head, err := r.AllocDescChain(3)
	if err != nil {
		t.Fatalf("AllocDescChain(3): %v", err)
	}
	if got := r.FreeCount(); got != 13 {
		t.Errorf("FreeCount() = %d after allocating 3 of 16, want 13", got)
	}

	// Walk the chain: two linked descriptors, then a terminal one.
	var seen []uint16
	i := head
	for {
		seen = append(seen, i)
		d := r.Desc(i)
		if d.Flags&virtio.VRING_DESC_F_NEXT == 0 {
			if d.Next != 0 {
				t.Errorf("terminal descriptor %d has Next = %d, want 0", i, d.Next)
			}
			break
		}
		i = d.Next
	}
	if len(seen) != 3 {
		t.Fatalf("chain has %d descriptors, want 3: %v", len(seen), seen)
	}
}

func TestAllocDescChainExhaustion(t *testing.T) {
	r, _ := newTestRing(t, 8)

	if _, err := r.AllocDescChain(5); err != nil {
		t.Fatalf("AllocDescChain(5): %v", err)
	}
	_, err := r.AllocDescChain(4)
	if !errors.Is(err, virtio.ErrNoDescriptors) {
		t.Fatalf("AllocDescChain(4) with 3 free = %v, want ErrNoDescriptors", err)
	}
	if got := r.FreeCount(); got != 3 {
		t.Errorf("FreeCount() = %d after failed allocation, want 3 unchanged", got)
	}

	if _, err := r.AllocDescChain(9); err == nil {
		t.Error("AllocDescChain(9) on a ring of 8 succeeded, want error")
	}
}

func TestFreeDescLIFO(t *testing.T) {
	r, _ := newTestRing(t, 8)

	first, err := r.AllocDescChain(1)
	if err != nil {
		t.Fatalf("AllocDescChain(1): %v", err)
	}
	r.FreeDesc(first)
	again, err := r.AllocDescChain(1)
	if err != nil {
		t.Fatalf("AllocDescChain(1): %v", err)
	}
	if again != first {
		t.Errorf("reallocation returned descriptor %d, want most recently freed %d", again, first)
	}
	r.FreeDesc(again)
	if got := r.FreeCount(); got != 8 {
		t.Errorf("FreeCount() = %d, want 8", got)
	}
}

func TestSubmitChainPublishesAvail(t *testing.T) {
	r, rg := newTestRing(t, 8)

	for i := 0; i < 3; i++ {
		head, err := r.AllocDescChain(1)
		if err != nil {
			t.Fatalf("AllocDescChain: %v", err)
		}
		r.SubmitChain(head)
	}

	q := rg.be.Queue(0)
	idx, err := q.AvailIdx()
	if err != nil {
		t.Fatalf("AvailIdx: %v", err)
	}
	if idx != 3 {
		t.Errorf("device sees avail idx %d, want 3", idx)
	}
}

func TestKick(t *testing.T) {
	r, rg := newTestRing(t, 8)
	r.Kick()
	select {
	case index := <-rg.be.Kicks():
		if index != 0 {
			t.Errorf("kicked queue %d, want 0", index)
		}
	default:
		t.Fatal("Kick delivered no notification")
	}
}

func TestSubmitCompleteRoundTrip(t *testing.T) {
	r, rg := newTestRing(t, 8)

	payload, err := rg.alloc.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	head, err := r.AllocDescChain(2)
	if err != nil {
		t.Fatalf("AllocDescChain(2): %v", err)
	}
	d0 := r.Desc(head)
	d0.Addr = payload.PhysAddr()
	d0.Len = 16
	d1 := r.Desc(d0.Next)
	d1.Addr = payload.PhysAddr() + 16
	d1.Len = 48
	d1.Flags |= virtio.VRING_DESC_F_WRITE

	r.SubmitChain(head)
	r.Kick()

	// Device side: consume the chain and complete it.
	q := rg.be.Queue(0)
	got, ok, err := q.NextAvail()
	if err != nil || !ok {
		t.Fatalf("NextAvail = %v, %v, %v; want chain", got, ok, err)
	}
	if got != head {
		t.Errorf("device saw head %d, want %d", got, head)
	}
	chain, err := q.Chain(got)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	want := []virtio.Desc{
		{Addr: payload.PhysAddr(), Len: 16, Flags: virtio.VRING_DESC_F_NEXT, Next: d0.Next},
		{Addr: payload.PhysAddr() + 16, Len: 48, Flags: virtio.VRING_DESC_F_WRITE},
	}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Errorf("device-side chain mismatch (-want +got):\n%s", diff)
	}
	if err := q.Complete(got, 48); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Driver side: drain the used ring and free the chain.
	var elems []virtio.UsedElem
	r.ProcessUsed(func(e virtio.UsedElem) {
		elems = append(elems, e)
		r.FreeChain(uint16(e.ID))
	})
	wantElems := []virtio.UsedElem{{ID: uint32(head), Len: 48}}
	if diff := cmp.Diff(wantElems, elems); diff != "" {
		t.Errorf("used elements mismatch (-want +got):\n%s", diff)
	}
	if got := r.FreeCount(); got != 8 {
		t.Errorf("FreeCount() = %d after completion, want 8", got)
	}

	// A second drain sees nothing new.
	r.ProcessUsed(func(e virtio.UsedElem) {
		t.Errorf("unexpected used element %+v", e)
	})
}
