package qp

import "github.com/rocketbitz/queuepair-go/internal/status"

// Code re-exports the status code type for consumers of the qp package.
type Code = status.Code

// Status codes surfaced by the registry and its collaborators. They are
// plain errors; compare with errors.Is so wrapped operation context does
// not break matching.
const (
	ErrInvalidArgs       = status.InvalidArgs
	ErrNoAccess          = status.NoAccess
	ErrNoMem             = status.NoMem
	ErrNotFound          = status.NotFound
	ErrAlreadyExists     = status.AlreadyExists
	ErrQueuePairMismatch = status.QueuePairMismatch
	ErrUnavailable       = status.Unavailable
	ErrDeviceNotFound    = status.DeviceNotFound
)
