package qp

// Alloc creates a queue pair or attaches to an existing local one.
//
// With an invalid handle it always creates, generating a fresh handle.
// With a valid handle naming an existing local pair it performs a local
// attach: sizes must match the creator's swapped, and the returned queues
// are the creator's with produce/consume swapped. At least one of
// produceSize and consumeSize must be non-zero.
//
// The returned queues are owned by the registry; they stay valid until
// the pair's last reference is detached.
func (r *Registry) Alloc(handle Handle, produceSize, consumeSize uint64, peer ID, flags Flag) (Handle, Queue, Queue, error) {
	return r.AllocPriv(handle, produceSize, consumeSize, peer, flags, NoPrivilegeFlags)
}

// AllocPriv is provided for compatibility with the host API. Requesting
// privileges from a guest context is not allowed, so any privilege flags
// beyond NoPrivilegeFlags fail. Use Alloc instead.
func (r *Registry) AllocPriv(handle Handle, produceSize, consumeSize uint64, peer ID, flags Flag, privFlags PrivFlags) (Handle, Queue, Queue, error) {
	if privFlags != NoPrivilegeFlags {
		return InvalidHandle, nil, nil, ErrNoAccess
	}
	if (produceSize == 0 && consumeSize == 0) || flags&^flagAll != 0 {
		return InvalidHandle, nil, nil, ErrInvalidArgs
	}
	return r.allocQueuePair(handle, produceSize, consumeSize, peer, flags)
}

func (r *Registry) allocQueuePair(handle Handle, produceSize, consumeSize uint64, peer ID, flags Flag) (Handle, Queue, Queue, error) {
	r.mu.Lock()

	// Do not allow alloc/attach once the device is gone.
	if r.closed.Load() || r.cfg.Transport.Down() {
		r.mu.Unlock()
		return InvalidHandle, nil, nil, ErrDeviceNotFound
	}

	// After the conversion to local pairs for hibernation, creating new
	// non-local pairs is refused until the guest resumes.
	if r.hibernate.Load() && flags&FlagLocal == 0 {
		r.mu.Unlock()
		return InvalidHandle, nil, nil, ErrUnavailable
	}

	if existing := r.findEntry(handle); existing != nil {
		if existing.flags&FlagLocal == 0 {
			r.mu.Unlock()
			return InvalidHandle, nil, nil, ErrAlreadyExists
		}

		// Local attach case.
		if existing.refCount > 1 {
			r.debugw("queue pair attach refused", "handle", existing.handle, "reason", "already attached")
			r.mu.Unlock()
			return InvalidHandle, nil, nil, ErrUnavailable
		}

		if existing.produceSize != consumeSize || existing.consumeSize != produceSize ||
			existing.flags != flags&^FlagAttachOnly {
			r.debugw("queue pair attach refused", "handle", existing.handle, "reason", "mismatch")
			r.mu.Unlock()
			return InvalidHandle, nil, nil, ErrQueuePairMismatch
		}

		if err := r.notifyPeerLocal(true, existing.handle); err != nil {
			r.mu.Unlock()
			return InvalidHandle, nil, nil, err
		}

		// The attacher sees the pair with produce and consume swapped.
		existing.refCount++
		h := existing.handle
		produceQ, consumeQ := existing.consumeQ, existing.produceQ
		r.mu.Unlock()
		return h, produceQ, consumeQ, nil
	}

	produceQ := r.cfg.Queues.Alloc(produceSize)
	if produceQ == nil {
		r.debugw("queue pair produce queue allocation failed", "size", produceSize)
		r.mu.Unlock()
		return InvalidHandle, nil, nil, ErrNoMem
	}
	consumeQ := r.cfg.Queues.Alloc(consumeSize)
	if consumeQ == nil {
		r.debugw("queue pair consume queue allocation failed", "size", consumeSize)
		r.mu.Unlock()
		r.cfg.Queues.Free(produceQ, produceSize)
		return InvalidHandle, nil, nil, ErrNoMem
	}

	e, err := r.newEntry(handle, peer, flags, produceSize, consumeSize, produceQ, consumeQ)
	if err != nil {
		r.mu.Unlock()
		r.cfg.Queues.Free(produceQ, produceSize)
		r.cfg.Queues.Free(consumeQ, consumeSize)
		return InvalidHandle, nil, nil, err
	}

	// From here on the entry owns both queues; failures destroy it after
	// the lock is dropped.
	fail := func(err error) (Handle, Queue, Queue, error) {
		r.mu.Unlock()
		r.destroyEntry(e)
		return InvalidHandle, nil, nil, err
	}

	if flags&FlagLocal != 0 {
		// Enforce similar checks on local queue pairs as the peer does for
		// non-local ones: the handle's context must be ours and the peer
		// must be this context or the wildcard.
		if e.handle.Context != r.cfg.ContextID ||
			(e.peer != InvalidID && e.peer != r.cfg.ContextID) {
			return fail(ErrNoAccess)
		}
		if e.flags&FlagAttachOnly != 0 {
			// Nothing to attach to.
			return fail(ErrNotFound)
		}
	} else {
		// The peer needs the page descriptors to map the pair.
		pageSet, err := r.cfg.PageSets.Build(produceQ, pagesFor(produceSize)+1, consumeQ, pagesFor(consumeSize)+1)
		if err != nil {
			r.debugw("queue pair page set build failed", "handle", e.handle, "error", err)
			return fail(err)
		}
		e.pageSet = pageSet

		if err := r.sendAllocation(e); err != nil {
			r.debugw("queue pair allocation exchange failed", "handle", e.handle, "error", err)
			return fail(err)
		}
	}

	r.cfg.Queues.InitPairLock(produceQ, consumeQ)
	r.addEntry(e)

	e.refCount++
	h := e.handle

	// Ring headers are initialized here only on a local create; for a
	// non-local pair the peer initializes them during its create step.
	if e.flags&FlagLocal != 0 && e.refCount == 1 {
		r.cfg.Queues.InitHeader(produceQ, h)
		r.cfg.Queues.InitHeader(consumeQ, h)
	}

	r.mu.Unlock()
	return h, produceQ, consumeQ, nil
}

// sendAllocation performs the allocation exchange for a non-local entry.
// Transport errors propagate to the caller unchanged.
func (r *Registry) sendAllocation(e *entry) error {
	if e.numPPNs <= 2 {
		return ErrInvalidArgs
	}

	req := &AllocationRequest{
		Handle:      e.handle,
		Peer:        e.peer,
		Flags:       e.flags,
		ProduceSize: e.produceSize,
		ConsumeSize: e.consumeSize,
		NumPPNs:     e.numPPNs,
		PPNs:        make([]PPN, e.numPPNs),
	}
	if err := e.pageSet.Populate(req.PPNs); err != nil {
		return err
	}
	return r.cfg.Transport.SendAllocation(req)
}
