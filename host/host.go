// Package host provides an in-process peer broker implementing the qp
// transport contract. It stands in for the remote context (host or
// hypervisor) the way a loopback provider stands in for real hardware:
// the control-message semantics are real, the wire is a method call.
package host

import (
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/queuepair-go/qp"
)

// pairState is the broker's view of one registered queue pair.
type pairState struct {
	peer        qp.ID
	flags       qp.Flag
	produceSize uint64
	consumeSize uint64
	attached    bool
}

// Broker tracks the queue pairs registered with the peer context and
// answers allocation/detach exchanges. All methods are safe for
// concurrent use.
type Broker struct {
	contextID qp.ID
	down      atomic.Bool

	mu            sync.Mutex
	pairs         map[qp.Handle]*pairState
	detachFails   []error
	allocFails    []error
	detachedCount int
}

// New constructs a Broker acting as the given peer context.
func New(contextID qp.ID) *Broker {
	return &Broker{
		contextID: contextID,
		pairs:     make(map[qp.Handle]*pairState),
	}
}

// ContextID returns the id of the context the broker represents.
func (b *Broker) ContextID() qp.ID {
	return b.contextID
}

// Down reports whether the device has been shut down.
func (b *Broker) Down() bool {
	return b.down.Load()
}

// SetDown toggles the device shutdown state.
func (b *Broker) SetDown(down bool) {
	b.down.Store(down)
}

// FailNextAllocation queues err as the result of the next allocation
// exchange.
func (b *Broker) FailNextAllocation(err error) {
	b.mu.Lock()
	b.allocFails = append(b.allocFails, err)
	b.mu.Unlock()
}

// FailNextDetach queues err as the result of the next detach exchange.
func (b *Broker) FailNextDetach(err error) {
	b.mu.Lock()
	b.detachFails = append(b.detachFails, err)
	b.mu.Unlock()
}

// Pairs reports the number of queue pairs currently registered.
func (b *Broker) Pairs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}

// Detached reports how many detach exchanges have succeeded, including
// those that only released an attachment.
func (b *Broker) Detached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detachedCount
}

// SendAllocation registers a queue pair, or attaches to an existing one
// when the request's sizes are the creator's swapped.
func (b *Broker) SendAllocation(req *qp.AllocationRequest) error {
	if b.down.Load() {
		return qp.ErrDeviceNotFound
	}
	if req == nil || req.NumPPNs <= 2 || uint64(len(req.PPNs)) != req.NumPPNs {
		return qp.ErrInvalidArgs
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.allocFails) > 0 {
		err := b.allocFails[0]
		b.allocFails = b.allocFails[1:]
		return err
	}

	if req.Peer != qp.InvalidID && req.Peer != b.contextID {
		return qp.ErrNoAccess
	}

	existing, ok := b.pairs[req.Handle]
	if !ok {
		b.pairs[req.Handle] = &pairState{
			peer:        req.Peer,
			flags:       req.Flags,
			produceSize: req.ProduceSize,
			consumeSize: req.ConsumeSize,
		}
		return nil
	}

	if existing.attached {
		return qp.ErrUnavailable
	}
	if req.Flags&qp.FlagAttachOnly == 0 {
		return qp.ErrAlreadyExists
	}
	if existing.produceSize != req.ConsumeSize || existing.consumeSize != req.ProduceSize {
		return qp.ErrQueuePairMismatch
	}
	existing.attached = true
	return nil
}

// SendDetach releases the peer's registration of the pair. Detaching an
// attached pair first drops the attachment; a second detach removes it.
func (b *Broker) SendDetach(h qp.Handle) error {
	if b.down.Load() {
		return qp.ErrDeviceNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.detachFails) > 0 {
		err := b.detachFails[0]
		b.detachFails = b.detachFails[1:]
		return err
	}

	state, ok := b.pairs[h]
	if !ok {
		return qp.ErrNotFound
	}
	if state.attached {
		state.attached = false
	} else {
		delete(b.pairs, h)
	}
	b.detachedCount++
	return nil
}
