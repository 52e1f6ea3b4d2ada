package qp

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Config supplies the collaborators and identity for a Registry.
type Config struct {
	// ContextID is the id of the context this registry serves.
	ContextID ID
	// Transport carries allocation/detach exchanges to the peer context.
	Transport Transport
	// Queues provides queue memory and conversion primitives.
	Queues QueueAllocator
	// PageSets builds page descriptors for non-local pairs.
	PageSets PageSetBuilder
	// Events receives local attach/detach notifications. Optional; a nil
	// sink drops notifications and reports success.
	Events EventSink
	// Logger receives printf-style debug logging. Optional.
	Logger Logger
	// StructuredLogger receives key/value debug logging. Optional; when
	// unset and Logger implements StructuredLogger, it is promoted.
	StructuredLogger StructuredLogger
}

// Logger provides printf-style debug logging hooks for the registry.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// Registry is the queue pair subsystem: the table of all queue pairs known
// to this context, the hibernation state, and the protocols that operate
// on them.
type Registry struct {
	cfg        Config
	structured StructuredLogger

	mu      sync.Mutex
	entries []*entry
	nextRID ID

	hibernate atomic.Bool
	closed    atomic.Bool

	// failedMu ranks below mu and below the event sink's own locking;
	// critical sections under it only touch the handle slice.
	failedMu sync.Mutex
	failed   []Handle
}

// Open validates the configuration and returns a ready Registry.
func Open(cfg Config) (*Registry, error) {
	if cfg.Transport == nil {
		return nil, ErrInvalidArgs.WithOp("qp_open: nil transport")
	}
	if cfg.Queues == nil {
		return nil, ErrInvalidArgs.WithOp("qp_open: nil queue allocator")
	}
	if cfg.PageSets == nil {
		return nil, ErrInvalidArgs.WithOp("qp_open: nil page set builder")
	}
	if cfg.ContextID == InvalidID {
		return nil, ErrInvalidArgs.WithOp("qp_open: invalid context id")
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}
	return &Registry{
		cfg:        cfg,
		structured: structured,
		nextRID:    ReservedResourceMax + 1,
	}, nil
}

// ContextID returns the id of the context this registry serves.
func (r *Registry) ContextID() ID {
	return r.cfg.ContextID
}

// Hibernating reports whether a hibernation conversion is pending.
func (r *Registry) Hibernating() bool {
	return r.hibernate.Load()
}

// Sync is a barrier: it returns once no Alloc, Detach, or Convert is in
// flight. Callers use it when flipping state the protocols observe.
func (r *Registry) Sync() {
	r.mu.Lock()
	r.mu.Unlock() //nolint:staticcheck // empty critical section is the point
}

// Close tears down the registry. Every remaining non-local entry gets a
// best-effort detach exchange; all entries are destroyed regardless of
// outstanding references. Close is idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	for _, e := range entries {
		if e.flags&FlagLocal == 0 {
			// Teardown cannot fail; the result is ignored.
			_ = r.cfg.Transport.SendDetach(e.handle)
		}
		e.refCount = 0
	}
	r.hibernate.Store(false)
	r.mu.Unlock()

	for _, e := range entries {
		r.destroyEntry(e)
	}

	r.failedMu.Lock()
	r.failed = nil
	r.failedMu.Unlock()

	return nil
}

// findEntry returns the entry for h, or nil. An invalid handle never
// matches. Requires the registry lock.
func (r *Registry) findEntry(h Handle) *entry {
	if h.IsInvalid() {
		return nil
	}
	for _, e := range r.entries {
		if e.handle == h {
			return e
		}
	}
	return nil
}

// addEntry appends e to the registry. Requires the registry lock.
func (r *Registry) addEntry(e *entry) {
	r.entries = append(r.entries, e)
}

// removeEntry unlinks e from the registry. Requires the registry lock.
func (r *Registry) removeEntry(e *entry) {
	for i, candidate := range r.entries {
		if candidate == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// notifyPeerLocal dispatches an attach/detach event straight to the local
// event sink, addressed to this context, with this context as the acting
// peer. No transport is involved.
func (r *Registry) notifyPeerLocal(attach bool, h Handle) error {
	kind := EventDetach
	if attach {
		kind = EventAttach
	}
	return r.cfg.Events.Dispatch(kind, r.cfg.ContextID, r.cfg.ContextID, h)
}

type noopEvents struct{}

func (noopEvents) Dispatch(EventKind, ID, ID, Handle) error { return nil }

func (r *Registry) debugw(msg string, keyvals ...any) {
	if r.structured != nil {
		r.structured.Debugw(msg, keyvals...)
		return
	}
	if r.cfg.Logger == nil {
		return
	}
	var b strings.Builder
	for i := 0; i+1 < len(keyvals); i += 2 {
		b.WriteString(" ")
		b.WriteString(fmt.Sprint(keyvals[i]))
		b.WriteString("=")
		b.WriteString(fmt.Sprint(keyvals[i+1]))
	}
	r.cfg.Logger.Debugf("%s%s", msg, b.String())
}
