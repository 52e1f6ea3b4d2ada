package memqueue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rocketbitz/queuepair-go/qp"
)

func TestAllocFree(t *testing.T) {
	a := NewAllocator()

	q := a.Alloc(2*qp.PageSize + 1)
	if q == nil {
		t.Fatalf("Alloc returned nil")
	}
	if a.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", a.Outstanding())
	}

	b := q.(*queue).backing
	if len(b.pages) != 3 {
		t.Fatalf("expected 3 data pages, got %d", len(b.pages))
	}
	if len(b.ppns) != 4 {
		t.Fatalf("expected 4 page numbers including the header, got %d", len(b.ppns))
	}
	for i, ppn := range b.ppns {
		if ppn == 0 {
			t.Fatalf("page %d has unset ppn", i)
		}
	}

	a.Free(q, 2*qp.PageSize+1)
	if a.Outstanding() != 0 {
		t.Fatalf("Outstanding after Free = %d, want 0", a.Outstanding())
	}
	// Double free is tolerated.
	a.Free(q, 2*qp.PageSize+1)
	if a.Outstanding() != 0 {
		t.Fatalf("double Free changed accounting: %d", a.Outstanding())
	}
	a.Free(nil, 0)
}

func TestFailAllocs(t *testing.T) {
	a := NewAllocator()
	a.FailAllocs(1)

	if q := a.Alloc(qp.PageSize); q != nil {
		t.Fatalf("expected scripted allocation failure")
	}
	if q := a.Alloc(qp.PageSize); q == nil {
		t.Fatalf("allocation after scripted failure failed")
	}
}

func TestInitHeader(t *testing.T) {
	a := NewAllocator()
	q := a.Alloc(qp.PageSize)

	h := qp.MakeHandle(0x10, 0x2000)
	a.InitHeader(q, h)

	header := q.(*queue).backing.header
	if got := qp.ID(binary.LittleEndian.Uint32(header[0:4])); got != h.Context {
		t.Fatalf("header context = %x, want %x", got, h.Context)
	}
	if got := qp.ID(binary.LittleEndian.Uint32(header[4:8])); got != h.Resource {
		t.Fatalf("header resource = %x, want %x", got, h.Resource)
	}
}

func TestPairLockShared(t *testing.T) {
	a := NewAllocator()
	produce := a.Alloc(qp.PageSize)
	consume := a.Alloc(qp.PageSize)

	a.InitPairLock(produce, consume)
	if produce.(*queue).pairMu != consume.(*queue).pairMu {
		t.Fatalf("pair lock not shared between the queues")
	}

	a.LockPair(produce)
	locked := make(chan struct{})
	go func() {
		a.LockPair(produce)
		a.UnlockPair(produce)
		close(locked)
	}()
	select {
	case <-locked:
		t.Fatalf("pair lock did not exclude a second holder")
	case <-time.After(10 * time.Millisecond):
	}
	a.UnlockPair(produce)
	<-locked
}

func TestBuildAndPopulate(t *testing.T) {
	a := NewAllocator()
	produce := a.Alloc(qp.PageSize)
	consume := a.Alloc(2 * qp.PageSize)

	// Counts are header-inclusive: 1+1 produce pages, 2+1 consume pages.
	ps, err := a.Build(produce, 2, consume, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	dst := make([]qp.PPN, 5)
	if err := ps.Populate(dst); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	want := append(append([]qp.PPN{}, produce.(*queue).backing.ppns...), consume.(*queue).backing.ppns...)
	for i := range dst {
		if dst[i] != want[i] {
			t.Fatalf("page list[%d] = %d, want %d", i, dst[i], want[i])
		}
	}

	if err := ps.Populate(make([]qp.PPN, 4)); !errors.Is(err, qp.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for short destination, got %v", err)
	}
	if _, err := a.Build(produce, 3, consume, 3); !errors.Is(err, qp.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for count mismatch, got %v", err)
	}

	ps.Free()
	ps.Free() // tolerated
}

func TestConvertToLocalKeepsContent(t *testing.T) {
	a := NewAllocator()
	q := a.Alloc(qp.PageSize)
	a.InitHeader(q, qp.MakeHandle(1, 0x400))
	copy(q.(*queue).backing.pages[0], []byte("ring content"))

	old, err := a.ConvertToLocal(q, nil, qp.PageSize, true)
	if err != nil {
		t.Fatalf("ConvertToLocal failed: %v", err)
	}
	if a.Outstanding() != 2 {
		t.Fatalf("Outstanding after convert = %d, want 2", a.Outstanding())
	}

	b := q.(*queue).backing
	if b == old.(*backing) {
		t.Fatalf("backing not swapped")
	}
	if !bytes.Equal(b.header, old.(*backing).header) {
		t.Fatalf("header not preserved across conversion")
	}
	if !bytes.HasPrefix(b.pages[0], []byte("ring content")) {
		t.Fatalf("ring content not preserved across conversion")
	}

	a.FreeBuffer(old, qp.PageSize)
	if a.Outstanding() != 1 {
		t.Fatalf("Outstanding after FreeBuffer = %d, want 1", a.Outstanding())
	}
	a.FreeBuffer(nil, 0)
}

func TestConvertToLocalDiscardsContent(t *testing.T) {
	a := NewAllocator()
	q := a.Alloc(qp.PageSize)
	copy(q.(*queue).backing.pages[0], []byte("stale"))

	old, err := a.ConvertToLocal(q, nil, qp.PageSize, false)
	if err != nil {
		t.Fatalf("ConvertToLocal failed: %v", err)
	}
	if bytes.HasPrefix(q.(*queue).backing.pages[0], []byte("stale")) {
		t.Fatalf("content copied despite keepContent=false")
	}
	a.FreeBuffer(old, qp.PageSize)
}

func TestRevertToRemote(t *testing.T) {
	a := NewAllocator()
	q := a.Alloc(qp.PageSize)
	orig := q.(*queue).backing

	old, err := a.ConvertToLocal(q, nil, qp.PageSize, true)
	if err != nil {
		t.Fatalf("ConvertToLocal failed: %v", err)
	}

	a.RevertToRemote(q, old, qp.PageSize)
	if q.(*queue).backing != orig {
		t.Fatalf("revert did not reinstall the original backing")
	}
	if a.Outstanding() != 1 {
		t.Fatalf("Outstanding after revert = %d, want 1", a.Outstanding())
	}
}

func TestFailConverts(t *testing.T) {
	a := NewAllocator()
	q := a.Alloc(qp.PageSize)

	a.FailConverts(1)
	if _, err := a.ConvertToLocal(q, nil, qp.PageSize, true); !errors.Is(err, qp.ErrNoMem) {
		t.Fatalf("expected scripted conversion failure, got %v", err)
	}
	if a.Outstanding() != 1 {
		t.Fatalf("failed conversion changed accounting: %d", a.Outstanding())
	}

	old, err := a.ConvertToLocal(q, nil, qp.PageSize, true)
	if err != nil {
		t.Fatalf("conversion after scripted failure failed: %v", err)
	}
	a.FreeBuffer(old, qp.PageSize)
}
