package xenstore

import (
	"errors"
	"fmt"
)

// Sentinel errors reported by operations on a connection. Use errors.Is
// to test for them; the concrete errors returned may carry additional
// detail.
var (
	// ErrConnClosed is reported by every call outstanding or issued after
	// the connection has been torn down, and by watch consumers once
	// their event stream has terminated for the same reason.
	ErrConnClosed = errors.New("connection closed")

	// ErrWatchClosed is reported by a watch consumer after the watch has
	// been cancelled.
	ErrWatchClosed = errors.New("watch closed")

	// ErrTxDone is reported by operations issued through a transaction
	// that has already been committed or aborted. No wire traffic occurs.
	ErrTxDone = errors.New("transaction already finished")
)

// Error kinds unwrapped from a server ERROR reply. A *Error wraps the
// kind matching its errno name, so errors.Is(err, xenstore.ErrNotFound)
// and friends work on the result of any store operation.
var (
	ErrNotFound   = errors.New("node not found")        // ENOENT
	ErrPermission = errors.New("permission denied")     // EACCES, EPERM, EROFS
	ErrExist      = errors.New("node already exists")   // EEXIST, EISDIR, EBUSY
	ErrInvalid    = errors.New("invalid argument")      // EINVAL, ENOTEMPTY, E2BIG
	ErrConflict   = errors.New("transaction conflict")  // EAGAIN
	ErrQuota      = errors.New("store quota exhausted") // ENOSPC, ENOMEM
)

// errnoKind maps the errno name carried in an ERROR payload to a local
// error kind. Names missing from the table unwrap to nothing.
var errnoKind = map[string]error{
	"ENOENT":    ErrNotFound,
	"EACCES":    ErrPermission,
	"EPERM":     ErrPermission,
	"EROFS":     ErrPermission,
	"EEXIST":    ErrExist,
	"EISDIR":    ErrExist,
	"EBUSY":     ErrExist,
	"EINVAL":    ErrInvalid,
	"ENOTEMPTY": ErrInvalid,
	"E2BIG":     ErrInvalid,
	"EAGAIN":    ErrConflict,
	"ENOSPC":    ErrQuota,
	"ENOMEM":    ErrQuota,
}

// Error is the concrete type of failures reported by the store daemon.
// Name is the errno-style string from the ERROR payload (e.g. "ENOENT").
type Error struct {
	Name string
}

// Error satisfies the error interface.
func (e *Error) Error() string { return "xenstore error: " + e.Name }

// Unwrap returns the error kind corresponding to e.Name, or nil when
// the name is not recognized.
func (e *Error) Unwrap() error { return errnoKind[e.Name] }

// serverError decodes the payload of an ERROR reply into an *Error.
func serverError(m *Message) error { return &Error{Name: m.PayloadString()} }

// ProtocolError is reported to a caller whose request id was answered
// with an operation other than the one requested (and not ERROR). The
// offending message is contained to that caller; the connection stays up.
type ProtocolError struct {
	Want Op
	Got  Op
}

// Error satisfies the error interface.
func (p *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: got %v reply to %v request", p.Got, p.Want)
}
