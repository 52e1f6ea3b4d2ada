package qp

import "fmt"

// ID identifies a context (a guest, the host, or another addressable
// party) or a resource within a context.
type ID uint32

// InvalidID is the sentinel for "no context" / "no resource". It doubles as
// the wildcard peer in allocation requests.
const InvalidID ID = 0xffffffff

// HypervisorContext is the well-known id of the hypervisor context.
const HypervisorContext ID = 0

// ReservedResourceMax is the highest reserved resource id. Resource ids in
// [0, ReservedResourceMax] are never assigned automatically.
const ReservedResourceMax ID = 1023

// PageSize is the size of a queue memory page in bytes.
const PageSize = 4096

// Handle identifies a queue pair by its owning context and resource id.
type Handle struct {
	Context  ID
	Resource ID
}

// InvalidHandle is the sentinel handle. Passing it to Alloc requests a
// freshly generated handle.
var InvalidHandle = Handle{Context: InvalidID, Resource: InvalidID}

// MakeHandle builds a Handle from a context and resource id.
func MakeHandle(context, resource ID) Handle {
	return Handle{Context: context, Resource: resource}
}

// IsInvalid reports whether h is the invalid sentinel.
func (h Handle) IsInvalid() bool {
	return h == InvalidHandle
}

// String renders the handle as context:resource in hex.
func (h Handle) String() string {
	return fmt.Sprintf("%x:%x", uint32(h.Context), uint32(h.Resource))
}

// Flag is a queue pair creation flag.
type Flag uint32

const (
	// FlagLocal requests a queue pair with both endpoints in the calling
	// context. No transport exchange is involved for local pairs.
	FlagLocal Flag = 1 << iota
	// FlagAttachOnly makes creation fail unless a matching entry already
	// exists to attach to.
	FlagAttachOnly
)

// flagAll is the set of flags callers may pass to Alloc.
const flagAll = FlagLocal | FlagAttachOnly

// PrivFlags carries privilege bits for host-API compatibility. Guests may
// only pass NoPrivilegeFlags.
type PrivFlags uint32

// NoPrivilegeFlags requests no additional privileges.
const NoPrivilegeFlags PrivFlags = 0
