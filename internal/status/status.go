package status

import "fmt"

// Code represents a queue pair subsystem status code. Zero is success and
// all failures are negative, so codes can travel as int32 payloads in
// control messages without translation.
type Code int32

// Status codes shared between the guest-side registry and the peer broker.
// The values beyond OK are not numerically significant; only identity
// matters to callers.
const (
	OK                Code = 0
	InvalidArgs       Code = -1
	NoAccess          Code = -2
	NoMem             Code = -3
	NotFound          Code = -4
	AlreadyExists     Code = -5
	QueuePairMismatch Code = -6
	Unavailable       Code = -7
	DeviceNotFound    Code = -8
)

// Error returns the human-readable status message.
func (c Code) Error() string {
	return c.String()
}

// String returns the message for the Code.
func (c Code) String() string {
	switch c {
	case OK:
		return "success"
	case InvalidArgs:
		return "invalid arguments"
	case NoAccess:
		return "no access"
	case NoMem:
		return "out of memory"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case QueuePairMismatch:
		return "queue pair mismatch"
	case Unavailable:
		return "unavailable"
	case DeviceNotFound:
		return "device not found"
	default:
		return fmt.Sprintf("unknown status %d", int32(c))
	}
}

// WithOp adds operation context to the provided Code.
func (c Code) WithOp(op string) error {
	if op == "" {
		return c
	}
	return fmt.Errorf("%s: %w", op, c)
}

// FromError extracts the Code carried by err. Errors that do not wrap a
// Code are reported as Unavailable so control-message replies always have
// something representable on the wire.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	for {
		if code, ok := err.(Code); ok {
			return code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return Unavailable
		}
		err = u.Unwrap()
		if err == nil {
			return Unavailable
		}
	}
}
