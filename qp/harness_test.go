package qp

import (
	"sync"
	"testing"
)

const testContext ID = 7

// testQueue is a stub queue handle tracking header initialization and the
// shared pair lock.
type testQueue struct {
	size       uint64
	pairMu     *sync.Mutex
	headerInit bool
	headerFor  Handle
}

type testBuffer struct {
	size uint64
}

// testAllocator implements QueueAllocator with scriptable failures and
// live-backing accounting so tests can assert release-exactly-once.
type testAllocator struct {
	mu           sync.Mutex
	allocResults []bool // scripted outcomes for upcoming Allocs; empty means succeed
	convertFails int
	convertSkips int // successful ConvertToLocal calls before a pending failure
	convertFail  bool
	live         int
	locks        int
	unlocks      int
}

func (a *testAllocator) failAllocs(results ...bool) {
	a.mu.Lock()
	a.allocResults = append(a.allocResults, results...)
	a.mu.Unlock()
}

func (a *testAllocator) failConverts(n int) {
	a.mu.Lock()
	a.convertFails += n
	a.mu.Unlock()
}

// failConvertAfter arms a single ConvertToLocal failure that fires after
// skip successful calls.
func (a *testAllocator) failConvertAfter(skip int) {
	a.mu.Lock()
	a.convertSkips = skip
	a.convertFail = true
	a.mu.Unlock()
}

func (a *testAllocator) liveBackings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *testAllocator) Alloc(size uint64) Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.allocResults) > 0 {
		ok := a.allocResults[0]
		a.allocResults = a.allocResults[1:]
		if !ok {
			return nil
		}
	}
	a.live++
	return &testQueue{size: size}
}

func (a *testAllocator) Free(q Queue, _ uint64) {
	if q == nil {
		return
	}
	a.mu.Lock()
	a.live--
	a.mu.Unlock()
}

func (a *testAllocator) InitHeader(q Queue, h Handle) {
	tq := q.(*testQueue)
	tq.headerInit = true
	tq.headerFor = h
}

func (a *testAllocator) InitPairLock(produce, consume Queue) {
	mu := new(sync.Mutex)
	produce.(*testQueue).pairMu = mu
	consume.(*testQueue).pairMu = mu
}

func (a *testAllocator) LockPair(produce Queue) {
	produce.(*testQueue).pairMu.Lock()
	a.mu.Lock()
	a.locks++
	a.mu.Unlock()
}

func (a *testAllocator) UnlockPair(produce Queue) {
	produce.(*testQueue).pairMu.Unlock()
	a.mu.Lock()
	a.unlocks++
	a.mu.Unlock()
}

func (a *testAllocator) ConvertToLocal(q, _ Queue, size uint64, _ bool) (QueueBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convertFails > 0 {
		a.convertFails--
		return nil, ErrNoMem.WithOp("test_convert")
	}
	if a.convertFail {
		if a.convertSkips > 0 {
			a.convertSkips--
		} else {
			a.convertFail = false
			return nil, ErrNoMem.WithOp("test_convert")
		}
	}
	a.live++ // local copy
	return &testBuffer{size: size}, nil
}

func (a *testAllocator) RevertToRemote(_ Queue, _ QueueBuffer, _ uint64) {
	a.mu.Lock()
	a.live-- // discard local copy
	a.mu.Unlock()
}

func (a *testAllocator) FreeBuffer(_ QueueBuffer, _ uint64) {
	a.mu.Lock()
	a.live--
	a.mu.Unlock()
}

// testPageSet records population and release.
type testPageSet struct {
	ppns  uint64
	freed int
}

func (p *testPageSet) Populate(dst []PPN) error {
	if uint64(len(dst)) != p.ppns {
		return ErrInvalidArgs.WithOp("test_populate")
	}
	for i := range dst {
		dst[i] = PPN(i + 1)
	}
	return nil
}

func (p *testPageSet) Free() { p.freed++ }

// testPageSets builds testPageSets and can fail on demand.
type testPageSets struct {
	mu       sync.Mutex
	failNext bool
	built    []*testPageSet
}

func (b *testPageSets) Build(_ Queue, producePages uint64, _ Queue, consumePages uint64) (PageSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return nil, ErrNoMem.WithOp("test_build")
	}
	ps := &testPageSet{ppns: producePages + consumePages}
	b.built = append(b.built, ps)
	return ps, nil
}

// testTransport records exchanges and can return scripted errors.
type testTransport struct {
	mu         sync.Mutex
	down       bool
	allocErrs  []error
	detachErrs []error
	allocs     []*AllocationRequest
	detaches   []Handle
}

func (tr *testTransport) Down() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.down
}

func (tr *testTransport) setDown(down bool) {
	tr.mu.Lock()
	tr.down = down
	tr.mu.Unlock()
}

func (tr *testTransport) failNextAllocation(err error) {
	tr.mu.Lock()
	tr.allocErrs = append(tr.allocErrs, err)
	tr.mu.Unlock()
}

func (tr *testTransport) failNextDetach(err error) {
	tr.mu.Lock()
	tr.detachErrs = append(tr.detachErrs, err)
	tr.mu.Unlock()
}

func (tr *testTransport) SendAllocation(req *AllocationRequest) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.allocs = append(tr.allocs, req)
	if len(tr.allocErrs) > 0 {
		err := tr.allocErrs[0]
		tr.allocErrs = tr.allocErrs[1:]
		return err
	}
	return nil
}

func (tr *testTransport) SendDetach(h Handle) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.detaches = append(tr.detaches, h)
	if len(tr.detachErrs) > 0 {
		err := tr.detachErrs[0]
		tr.detachErrs = tr.detachErrs[1:]
		return err
	}
	return nil
}

type eventRecord struct {
	kind EventKind
	dst  ID
	peer ID
	h    Handle
}

// testEvents records dispatched notifications and can fail on demand.
type testEvents struct {
	mu     sync.Mutex
	errs   []error
	events []eventRecord
}

func (ev *testEvents) failNext(err error) {
	ev.mu.Lock()
	ev.errs = append(ev.errs, err)
	ev.mu.Unlock()
}

func (ev *testEvents) Dispatch(kind EventKind, dst, peer ID, h Handle) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.errs) > 0 {
		err := ev.errs[0]
		ev.errs = ev.errs[1:]
		return err
	}
	ev.events = append(ev.events, eventRecord{kind: kind, dst: dst, peer: peer, h: h})
	return nil
}

func (ev *testEvents) recorded() []eventRecord {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make([]eventRecord, len(ev.events))
	copy(out, ev.events)
	return out
}

type testHarness struct {
	registry  *Registry
	allocator *testAllocator
	pageSets  *testPageSets
	transport *testTransport
	events    *testEvents
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	allocator := &testAllocator{}
	pageSets := &testPageSets{}
	transport := &testTransport{}
	events := &testEvents{}
	registry, err := Open(Config{
		ContextID: testContext,
		Transport: transport,
		Queues:    allocator,
		PageSets:  pageSets,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return &testHarness{
		registry:  registry,
		allocator: allocator,
		pageSets:  pageSets,
		transport: transport,
		events:    events,
	}
}

// refCount reads an entry's reference count under the registry lock.
func (h *testHarness) refCount(t *testing.T, handle Handle) uint32 {
	t.Helper()
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	e := h.registry.findEntry(handle)
	if e == nil {
		t.Fatalf("entry %v not found", handle)
	}
	return e.refCount
}

// entryFlags reads an entry's flags under the registry lock.
func (h *testHarness) entryFlags(t *testing.T, handle Handle) Flag {
	t.Helper()
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	e := h.registry.findEntry(handle)
	if e == nil {
		t.Fatalf("entry %v not found", handle)
	}
	return e.flags
}

// entryCount reports how many entries the registry holds.
func (h *testHarness) entryCount() int {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return len(h.registry.entries)
}
