// Package poolerr classifies errors by how the server must respond to them:
// reply-and-continue, reply-and-close, retry-with-backoff, or terminate.
package poolerr

import "fmt"

// Kind classifies an error by its handling policy.
type Kind int

const (
	// Protocol is a malformed or out-of-state Stratum message. The session
	// replies with the Stratum error code and keeps reading, bad JSON and
	// unknown methods included; only an oversized line closes the session.
	Protocol Kind = iota
	// Validation is a rejected share; replied to and accounted, session
	// stays open.
	Validation
	// Upstream is an RPC/ZMQ/upstream-pool failure; retried with backoff,
	// surfaced via a health endpoint.
	Upstream
	// Resource is exhaustion of a bounded resource (bind failure,
	// allocator exhaustion); Fatal reports true for it. Nothing in the
	// server exits on it: ExtraNonce1 exhaustion is replied to as an
	// internal error and the session stays open.
	Resource
	// Internal is an invariant violation; Fatal reports true for it.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	case Upstream:
		return "upstream"
	case Resource:
		return "resource"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and, for Protocol/Validation
// errors, an optional Stratum error code to reply with.
type Error struct {
	Kind Kind
	Code int // Stratum error code, 0 if not applicable
	Msg  string
	Err  error
}

func New(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Wrap(kind Kind, code int, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether this error's Kind terminates the process.
func (e *Error) Fatal() bool {
	return e.Kind == Resource || e.Kind == Internal
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to Internal for unrecognized errors since those indicate a bug, not a
// classified failure mode.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
