package qp

import "errors"

// Detach releases one reference to the queue pair named by handle. When
// the last reference goes, the entry is removed from the registry and its
// memory released. For an attached local pair the remaining endpoint is
// notified; for a non-local pair the detach exchange runs first and its
// failure aborts the detach.
func (r *Registry) Detach(handle Handle) error {
	if handle.IsInvalid() {
		return ErrInvalidArgs
	}

	r.mu.Lock()

	e := r.findEntry(handle)
	if e == nil {
		r.mu.Unlock()
		return ErrNotFound
	}

	if e.flags&FlagLocal != 0 {
		if e.refCount > 1 {
			if err := r.notifyPeerLocal(false, handle); err != nil {
				r.mu.Unlock()
				return err
			}
		}
	} else {
		err := r.cfg.Transport.SendDetach(handle)
		if e.hibernateFailure {
			if err != nil && errors.Is(err, ErrNotFound) {
				// The peer discarded its end across a power transition
				// while this entry could not be converted; the pair is
				// effectively local with no peer, so the detach holds.
				err = nil
			}
			if err == nil {
				r.unmarkHibernateFailed(e)
			}
		}
		if err != nil {
			r.mu.Unlock()
			return err
		}
	}

	e.refCount--
	destroy := e.refCount == 0
	if destroy {
		r.removeEntry(e)
	}

	r.mu.Unlock()

	// Queue memory release may block, so it happens outside the lock.
	if destroy {
		r.destroyEntry(e)
	}
	return nil
}
