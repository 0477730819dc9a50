// Package sememerr defines the error taxonomy the memory core surfaces to
// its callers. Every public manager method returns either nil or an *Error
// with one of the Kinds below, so callers can branch with errors.As.
package sememerr

import "fmt"

// Kind identifies which class of failure occurred.
type Kind string

const (
	// DimensionMismatch means an embedding's length didn't equal the
	// configured dimension even after standardization was attempted.
	// Only reachable via an internal bug, since standardization is
	// supposed to be mandatory at the external boundary.
	DimensionMismatch Kind = "dimension_mismatch"

	// ExternalServiceError wraps a failure from an injected collaborator
	// (embed, extract, llm, or the storage backend).
	ExternalServiceError Kind = "external_service_error"

	// StorageError means the backend reported a durable-write failure;
	// the in-memory change has been rolled back.
	StorageError Kind = "storage_error"

	// Disposed means the manager has already been torn down.
	Disposed Kind = "disposed"

	// InvalidArgument means a caller-supplied argument violated a
	// documented constraint (threshold range, negative limit, weights not
	// summing to 1, ...).
	InvalidArgument Kind = "invalid_argument"

	// Timeout means an external call exceeded its configured deadline.
	Timeout Kind = "timeout"
)

// Which identifies the external collaborator involved in an
// ExternalServiceError.
type Which string

const (
	Embed   Which = "embed"
	Extract Which = "extract"
	LLM     Which = "llm"
	Backend Which = "backend"
)

// Error is the single error type the core returns to callers.
type Error struct {
	Kind  Kind
	Which Which // set for ExternalServiceError and Timeout errors
	Msg   string
	Err   error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Which != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Which, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Which, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, sememerr.DimensionMismatch)-style kind checks
// by comparing Kind, so callers can write errors.Is(err, &Error{Kind: ...})
// or, more conveniently, use the Is* helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Which != "" && t.Which != e.Which {
		return false
	}
	return true
}

// New builds a plain *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// External builds an ExternalServiceError for the named collaborator.
func External(which Which, msg string, err error) *Error {
	return &Error{Kind: ExternalServiceError, Which: which, Msg: msg, Err: err}
}

// ExternalTimeout builds a Timeout error for the named collaborator: Kind
// is Timeout (not ExternalServiceError) and Which names the collaborator
// whose call timed out.
func ExternalTimeout(which Which, msg string) *Error {
	return &Error{Kind: Timeout, Which: which, Msg: msg}
}

// Invalid builds an InvalidArgument error.
func Invalid(msg string) *Error {
	return &Error{Kind: InvalidArgument, Msg: msg}
}

// IsDisposed reports whether err is (or wraps) a Disposed error.
func IsDisposed(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == Disposed
}

// asError is a small errors.As shim kept local to avoid importing errors
// twice for a one-line helper.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
