// Package vtxerr
// Author: momentics <momentics@gmail.com>
//
// Structured error kinds shared across the vtx module. Generalizes the
// teacher's api.Error{Code, Message, Context} shape to the error taxonomy
// the driver/engine/vocket layers need: config, capacity, protocol,
// transient I/O, peer-gone, and fatal errors.

package vtxerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation-policy dispatch (see §7).
type Kind int

const (
	KindConfig Kind = iota
	KindCapacity
	KindProtocol
	KindTransientIO
	KindPeerGone
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindTransientIO:
		return "transient_io"
	case KindPeerGone:
		return "peer_gone"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured error with a kind, a wrapped cause, and free-form
// context (peer key, vocket handle, scheme) useful for logging.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (context: %+v)", e.Kind, e.Message, e.Context)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Context: make(map[string]any)}
}

// Wrap attaches a kind and stack trace (via pkg/errors) to an existing cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		cause:   errors.Wrap(cause, message),
	}
}

// With returns a copy of e with an added context key/value. Sentinel errors
// (ErrStoreFull and friends) are shared package-level values, so With never
// mutates the receiver in place — doing so would race across goroutines and
// leak context between unrelated call sites.
func (e *Error) With(key string, value any) *Error {
	cp := &Error{Kind: e.Kind, Message: e.Message, cause: e.cause}
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return cp
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// Sentinel errors for conditions that don't need per-call context.
var (
	ErrStoreFull     = New(KindCapacity, "store full")
	ErrMalformed     = New(KindProtocol, "malformed frame header")
	ErrMaxPeerings   = New(KindCapacity, "max peerings reached for socket")
	ErrNoSuchScheme  = New(KindConfig, "no driver registered for scheme")
	ErrDriverExists  = New(KindConfig, "driver already registered")
	ErrSocketBound   = New(KindConfig, "socket already bound to a driver")
	ErrBadEndpoint   = New(KindConfig, "malformed endpoint")
	ErrSendNoRecv    = New(KindProtocol, "send without recv")
	ErrPeerGone      = New(KindPeerGone, "no live peering available")
)
