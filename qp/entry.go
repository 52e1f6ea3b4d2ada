package qp

// entry is the registry's bookkeeping for one queue pair. Entries are
// created and mutated only with the registry lock held; destruction
// happens after removal, outside the lock.
type entry struct {
	handle           Handle
	peer             ID
	flags            Flag
	produceSize      uint64
	consumeSize      uint64
	numPPNs          uint64
	pageSet          PageSet
	produceQ         Queue
	consumeQ         Queue
	refCount         uint32
	hibernateFailure bool
}

// newEntry constructs an entry, generating a fresh handle when the given
// one is invalid. The registry lock must be held: handle generation probes
// the registry for collisions.
func (r *Registry) newEntry(handle Handle, peer ID, flags Flag, produceSize, consumeSize uint64, produceQ, consumeQ Queue) (*entry, error) {
	numPPNs := pagesFor(produceSize) + pagesFor(consumeSize) + 2 // one header page per queue

	if handle.IsInvalid() {
		var err error
		handle, err = r.allocHandle()
		if err != nil {
			return nil, err
		}
	}

	return &entry{
		handle:      handle,
		peer:        peer,
		flags:       flags,
		produceSize: produceSize,
		consumeSize: consumeSize,
		numPPNs:     numPPNs,
		produceQ:    produceQ,
		consumeQ:    consumeQ,
	}, nil
}

// allocHandle generates a handle with a resource id not currently present
// in the registry. The resource id counter advances past every probed id,
// so freshly freed ids of still-live pairs are not immediately reused.
// Requires the registry lock.
func (r *Registry) allocHandle() (Handle, error) {
	start := r.nextRID
	for {
		handle := MakeHandle(r.cfg.ContextID, r.nextRID)

		r.nextRID++
		if r.nextRID == 0 || r.nextRID == InvalidID {
			// Skip the reserved rids on wraparound.
			r.nextRID = ReservedResourceMax + 1
		}

		if r.findEntry(handle) == nil {
			return handle, nil
		}
		if r.nextRID == start {
			// Wrapped around; no rids were free.
			return InvalidHandle, ErrNoMem
		}
	}
}

// destroyEntry releases everything an entry owns. Callers must have
// removed the entry from the registry and dropped the registry lock;
// freeing queue memory may block.
func (r *Registry) destroyEntry(e *entry) {
	if e.pageSet != nil {
		e.pageSet.Free()
		e.pageSet = nil
	}
	r.cfg.Queues.Free(e.produceQ, e.produceSize)
	r.cfg.Queues.Free(e.consumeQ, e.consumeSize)
}
