package qp

// markHibernateFailed records that e could not be converted to local form.
// Requires the registry lock; the handle is copied out before taking the
// failure-set lock, which must stay safe to hold in restricted contexts
// where entry memory may not be touched.
func (r *Registry) markHibernateFailed(e *entry) {
	h := e.handle
	e.hibernateFailure = true
	r.failedMu.Lock()
	r.failed = append(r.failed, h)
	r.failedMu.Unlock()
}

// unmarkHibernateFailed removes e from the failed set after a successful
// detach or retry. Requires the registry lock.
func (r *Registry) unmarkHibernateFailed(e *entry) {
	h := e.handle
	e.hibernateFailure = false
	r.failedMu.Lock()
	for i := len(r.failed) - 1; i >= 0; i-- {
		if r.failed[i] == h {
			r.failed = append(r.failed[:i], r.failed[i+1:]...)
			break
		}
	}
	r.failedMu.Unlock()
}

// Convert is the power-transition hook.
//
// With toLocal set, every non-local queue pair is converted into a local
// copy that preserves its content: both queues are snapshotted into local
// memory under the pair's content lock, the remote side is detached, and
// a local detach notification tells listeners the peer is gone. A pair
// whose snapshot or detach fails is left as it was, marked
// hibernation-failed, and does not stop the scan. Afterwards the registry
// refuses new non-local pairs until the transition is reversed.
//
// With toLocal clear, the failed set is drained most-recent-first; when
// deviceReset is set the remote registrations are unrecoverable and each
// drained handle produces a local detach notification. Convert returns
// how many entries were converted and how many failed (both zero on the
// resume path).
func (r *Registry) Convert(toLocal, deviceReset bool) (converted, failed int) {
	if !toLocal {
		r.failedMu.Lock()
		for len(r.failed) > 0 {
			h := r.failed[len(r.failed)-1]
			r.failed = r.failed[:len(r.failed)-1]
			if deviceReset {
				_ = r.notifyPeerLocal(false, h)
			}
		}
		r.failedMu.Unlock()

		r.hibernate.Store(false)
		return 0, 0
	}

	q := r.cfg.Queues

	r.mu.Lock()
	for _, e := range r.entries {
		if e.flags&FlagLocal != 0 {
			continue
		}

		// The content lock excludes concurrent ring access while the
		// snapshot is taken.
		q.LockPair(e.produceQ)

		oldConsume, err := q.ConvertToLocal(e.consumeQ, e.produceQ, e.consumeSize, true)
		if err != nil {
			r.debugw("hibernate: local consume queue copy failed", "handle", e.handle, "error", err)
			q.UnlockPair(e.produceQ)
			r.markHibernateFailed(e)
			failed++
			continue
		}
		oldProduce, err := q.ConvertToLocal(e.produceQ, e.consumeQ, e.produceSize, false)
		if err != nil {
			r.debugw("hibernate: local produce queue copy failed", "handle", e.handle, "error", err)
			q.RevertToRemote(e.consumeQ, oldConsume, e.consumeSize)
			q.UnlockPair(e.produceQ)
			r.markHibernateFailed(e)
			failed++
			continue
		}

		// Content is saved; disconnecting discards the remote queues.
		if err := r.cfg.Transport.SendDetach(e.handle); err != nil {
			r.debugw("hibernate: detach exchange failed", "handle", e.handle, "error", err)
			q.RevertToRemote(e.consumeQ, oldConsume, e.consumeSize)
			q.RevertToRemote(e.produceQ, oldProduce, e.produceSize)
			q.UnlockPair(e.produceQ)
			r.markHibernateFailed(e)
			failed++
			continue
		}

		e.flags |= FlagLocal

		q.UnlockPair(e.produceQ)

		q.FreeBuffer(oldProduce, e.produceSize)
		q.FreeBuffer(oldConsume, e.consumeSize)

		// The remote endpoint is gone; local listeners observe that as a
		// detach.
		_ = r.notifyPeerLocal(false, e.handle)
		converted++
	}
	r.hibernate.Store(true)
	r.mu.Unlock()

	return converted, failed
}

// hibernateFailedLen reports the size of the failure set.
func (r *Registry) hibernateFailedLen() int {
	r.failedMu.Lock()
	defer r.failedMu.Unlock()
	return len(r.failed)
}
