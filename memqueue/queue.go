// Package memqueue provides heap-backed queue memory for the qp registry:
// an in-process stand-in for guest physical pages that implements both the
// queue allocator and page set builder contracts.
package memqueue

import (
	"encoding/binary"
	"sync"

	"github.com/rocketbitz/queuepair-go/qp"
)

// backing is one queue's memory: a header page plus data pages, each with
// a stable fake physical page number.
type backing struct {
	header []byte
	pages  [][]byte
	ppns   []qp.PPN
}

// queue is the opaque handle dispensed by the allocator. The pair lock is
// installed by InitPairLock and shared with the other queue of the pair.
type queue struct {
	backing *backing
	pairMu  *sync.Mutex
}

// Allocator dispenses queue memory and tracks every live backing so tests
// can assert that buffers are released exactly once.
type Allocator struct {
	mu           sync.Mutex
	nextPPN      qp.PPN
	outstanding  int
	allocFails   int
	convertFails int
}

// NewAllocator constructs an Allocator. Page numbers start above zero so
// a zero PPN always means "unset" in tests.
func NewAllocator() *Allocator {
	return &Allocator{nextPPN: 1}
}

// Outstanding reports the number of live backings (queues plus detached
// conversion buffers). Zero after full teardown.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

// FailAllocs makes the next n Alloc calls fail.
func (a *Allocator) FailAllocs(n int) {
	a.mu.Lock()
	a.allocFails += n
	a.mu.Unlock()
}

// FailConverts makes the next n ConvertToLocal calls fail.
func (a *Allocator) FailConverts(n int) {
	a.mu.Lock()
	a.convertFails += n
	a.mu.Unlock()
}

func (a *Allocator) newBacking(size uint64) *backing {
	numPages := int((size + qp.PageSize - 1) / qp.PageSize)
	b := &backing{
		header: make([]byte, qp.PageSize),
		pages:  make([][]byte, numPages),
		ppns:   make([]qp.PPN, numPages+1),
	}
	b.ppns[0] = a.nextPPN
	a.nextPPN++
	for i := range b.pages {
		b.pages[i] = make([]byte, qp.PageSize)
		b.ppns[i+1] = a.nextPPN
		a.nextPPN++
	}
	a.outstanding++
	return b
}

// Alloc returns a queue sized for size bytes of ring content, or nil when
// allocation fails.
func (a *Allocator) Alloc(size uint64) qp.Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocFails > 0 {
		a.allocFails--
		return nil
	}
	return &queue{backing: a.newBacking(size)}
}

// Free releases a queue and its backing.
func (a *Allocator) Free(q qp.Queue, _ uint64) {
	if q == nil {
		return
	}
	mq := q.(*queue)
	a.mu.Lock()
	if mq.backing != nil {
		mq.backing = nil
		a.outstanding--
	}
	a.mu.Unlock()
}

// InitHeader stamps the owning handle into the queue's header page.
func (a *Allocator) InitHeader(q qp.Queue, h qp.Handle) {
	mq := q.(*queue)
	binary.LittleEndian.PutUint32(mq.backing.header[0:4], uint32(h.Context))
	binary.LittleEndian.PutUint32(mq.backing.header[4:8], uint32(h.Resource))
}

// InitPairLock installs a content lock shared by both queues of a pair.
func (a *Allocator) InitPairLock(produce, consume qp.Queue) {
	mu := new(sync.Mutex)
	produce.(*queue).pairMu = mu
	consume.(*queue).pairMu = mu
}

// LockPair acquires the pair's content lock through the produce queue.
func (a *Allocator) LockPair(produce qp.Queue) {
	produce.(*queue).pairMu.Lock()
}

// UnlockPair releases the pair's content lock.
func (a *Allocator) UnlockPair(produce qp.Queue) {
	produce.(*queue).pairMu.Unlock()
}

// ConvertToLocal swaps q's backing for freshly allocated local pages,
// copying the content when keepContent is set, and returns the detached
// previous backing.
func (a *Allocator) ConvertToLocal(q, _ qp.Queue, size uint64, keepContent bool) (qp.QueueBuffer, error) {
	mq := q.(*queue)

	a.mu.Lock()
	if a.convertFails > 0 {
		a.convertFails--
		a.mu.Unlock()
		return nil, qp.ErrNoMem.WithOp("memqueue_convert")
	}
	local := a.newBacking(size)
	a.mu.Unlock()

	old := mq.backing
	if keepContent {
		copy(local.header, old.header)
		for i := range old.pages {
			copy(local.pages[i], old.pages[i])
		}
	}
	mq.backing = local
	return old, nil
}

// RevertToRemote reinstalls old as q's backing and discards the local
// copy made by ConvertToLocal.
func (a *Allocator) RevertToRemote(q qp.Queue, old qp.QueueBuffer, _ uint64) {
	mq := q.(*queue)
	local := mq.backing
	mq.backing = old.(*backing)
	a.mu.Lock()
	if local != nil {
		a.outstanding--
	}
	a.mu.Unlock()
}

// FreeBuffer releases a detached backing after a committed conversion.
func (a *Allocator) FreeBuffer(old qp.QueueBuffer, _ uint64) {
	if old == nil {
		return
	}
	a.mu.Lock()
	a.outstanding--
	a.mu.Unlock()
}

// pageSet is the Allocator's page descriptor: a snapshot of the page
// numbers of both queues, produce pages first.
type pageSet struct {
	ppns  []qp.PPN
	freed bool
}

// Build snapshots the page numbers of a queue pair. Page counts include
// each queue's header page and must match the queues' actual layout.
func (a *Allocator) Build(produceQ qp.Queue, producePages uint64, consumeQ qp.Queue, consumePages uint64) (qp.PageSet, error) {
	produce := produceQ.(*queue).backing
	consume := consumeQ.(*queue).backing
	if producePages != uint64(len(produce.ppns)) || consumePages != uint64(len(consume.ppns)) {
		return nil, qp.ErrInvalidArgs.WithOp("memqueue_build")
	}
	ppns := make([]qp.PPN, 0, len(produce.ppns)+len(consume.ppns))
	ppns = append(ppns, produce.ppns...)
	ppns = append(ppns, consume.ppns...)
	return &pageSet{ppns: ppns}, nil
}

// Populate writes the set's page numbers into dst.
func (p *pageSet) Populate(dst []qp.PPN) error {
	if len(dst) != len(p.ppns) {
		return qp.ErrInvalidArgs.WithOp("memqueue_populate")
	}
	copy(dst, p.ppns)
	return nil
}

// Free marks the set released. Double frees are tolerated.
func (p *pageSet) Free() {
	p.freed = true
}
