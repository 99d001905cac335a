// Package rtpmidierr defines the error kinds shared across the daemon: the
// wire codec, the session peer state machine, the router and the control
// plane all classify failures through this one vocabulary instead of ad-hoc
// error strings.
package rtpmidierr

import "fmt"

// Kind classifies an Error. The set is closed and mirrors the daemon's
// error-handling design: each kind has one fixed propagation policy.
type Kind int

const (
	// MalformedPayload: wire decode failed. The packet is dropped.
	MalformedPayload Kind = iota
	// NetworkError: recoverable socket error.
	NetworkError
	// UnknownPeer: a PeerId does not exist in the router.
	UnknownPeer
	// UnknownRoute: a (from, to) pair is not present in the router.
	UnknownRoute
	// WouldCycle: adding a route would create a directed cycle.
	WouldCycle
	// ProtocolReject: the remote replied NO, or used the wrong token.
	ProtocolReject
	// Timeout: a connect, CK or other deadline expired.
	Timeout
	// InternalInvariant: a programming error was detected at runtime.
	InternalInvariant
)

func (k Kind) String() string {
	switch k {
	case MalformedPayload:
		return "MalformedPayload"
	case NetworkError:
		return "NetworkError"
	case UnknownPeer:
		return "UnknownPeer"
	case UnknownRoute:
		return "UnknownRoute"
	case WouldCycle:
		return "WouldCycle"
	case ProtocolReject:
		return "ProtocolReject"
	case Timeout:
		return "Timeout"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by this daemon's components.
// It carries a Kind so callers can branch on classification (is this
// temporary? does it belong in a JSON-RPC error field?) without string
// matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same operation might succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case NetworkError, Timeout:
		return true
	default:
		return false
	}
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// needed. Mirrors the errors.Is contract without requiring callers to
// construct a sentinel value per kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
