package qp

// Queue is an opaque handle to one ring of a queue pair: a header page
// plus the data pages backing the ring content. The registry never looks
// inside a Queue; it only threads handles between the allocator, the page
// set builder, and the caller.
type Queue any

// QueueBuffer is an opaque detached backing produced while converting a
// queue to its local form. It is owned by the registry until it is either
// freed (conversion committed) or swapped back in (conversion rolled back).
type QueueBuffer any

// QueueAllocator provides queue memory and the content-lock and
// snapshot operations the registry needs during hibernation conversion.
type QueueAllocator interface {
	// Alloc returns a queue sized to hold size bytes of ring content plus
	// its header page, or nil if memory is unavailable.
	Alloc(size uint64) Queue
	// Free releases a queue previously returned by Alloc.
	Free(q Queue, size uint64)
	// InitHeader initializes the ring header of q in place for the pair
	// identified by h.
	InitHeader(q Queue, h Handle)
	// InitPairLock installs the content lock shared by both queues of a
	// pair. The lock is addressed through the produce queue afterwards.
	InitPairLock(produce, consume Queue)
	// LockPair acquires the pair's content lock.
	LockPair(produce Queue)
	// UnlockPair releases the pair's content lock.
	UnlockPair(produce Queue)
	// ConvertToLocal replaces q's backing with freshly allocated local
	// memory, copying the current content when keepContent is set. The
	// previous backing is returned so the caller can commit (FreeBuffer)
	// or roll back (RevertToRemote). pair is the other queue of the pair.
	ConvertToLocal(q, pair Queue, size uint64, keepContent bool) (QueueBuffer, error)
	// RevertToRemote undoes ConvertToLocal, reinstalling old as q's
	// backing and discarding the local copy.
	RevertToRemote(q Queue, old QueueBuffer, size uint64)
	// FreeBuffer releases a detached backing after a committed conversion.
	FreeBuffer(old QueueBuffer, size uint64)
}

// PPN is a physical page number describing one page of queue memory to
// the peer context.
type PPN uint64

// PageSet describes the physical pages of a queue pair. It is built once
// per non-local entry and freed exactly once, when the entry is destroyed.
type PageSet interface {
	// Populate writes the page numbers of the set into dst, produce pages
	// first. dst is sized by the caller to the entry's page count.
	Populate(dst []PPN) error
	// Free releases any resources pinned by the set.
	Free()
}

// PageSetBuilder constructs PageSets from a pair of queues. Page counts
// include the header page of each queue.
type PageSetBuilder interface {
	Build(produceQ Queue, producePages uint64, consumeQ Queue, consumePages uint64) (PageSet, error)
}

// AllocationRequest is the control message describing a new non-local
// queue pair to the peer context.
type AllocationRequest struct {
	Handle      Handle
	Peer        ID
	Flags       Flag
	ProduceSize uint64
	ConsumeSize uint64
	NumPPNs     uint64
	PPNs        []PPN
}

// Transport carries queue pair control messages to the peer context. The
// registry invokes it with the registry lock held; implementations must
// not call back into the registry.
type Transport interface {
	// Down reports whether the underlying device has been shut down.
	Down() bool
	// SendAllocation performs the allocation exchange for a non-local
	// pair. A nil return means the peer accepted the pair.
	SendAllocation(req *AllocationRequest) error
	// SendDetach asks the peer to release its end of the pair.
	SendDetach(h Handle) error
}

// EventKind distinguishes local queue pair notifications.
type EventKind uint8

const (
	// EventAttach signals that a peer attached to a queue pair.
	EventAttach EventKind = iota
	// EventDetach signals that a peer detached from a queue pair.
	EventDetach
)

// String names the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	default:
		return "event"
	}
}

// EventSink receives local attach/detach notifications. dst is the
// context being notified and peer the context that acted.
type EventSink interface {
	Dispatch(kind EventKind, dst, peer ID, h Handle) error
}

// pagesFor returns the number of data pages needed for size bytes of ring
// content.
func pagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
