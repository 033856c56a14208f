// Package faults defines the error kinds shared across the worker and their
// mapping onto transport status codes. Every component classifies its
// failures into one of these kinds so the RPC layer can shape responses
// without inspecting component internals.
package faults

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure.
type Kind int

const (
	// KindInternal is the default for anything unclassified.
	KindInternal Kind = iota

	// KindInvalidInput covers schema or range violations on a request.
	KindInvalidInput

	// KindAuth covers credential decryption and venue authentication failures.
	KindAuth

	// KindRateLimited covers both the local cooldown and upstream throttling.
	KindRateLimited

	// KindUpstreamUnavailable covers venue HTTP failures and reports that
	// never became ready within the retry budget.
	KindUpstreamUnavailable

	// KindNotFound covers unknown connections and users.
	KindNotFound

	// KindConflict covers duplicate connections.
	KindConflict

	// KindIntegrity covers signature and AEAD tag mismatches, attestation
	// included.
	KindIntegrity
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindAuth:
		return "AUTH"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindIntegrity:
		return "INTEGRITY"
	default:
		return "INTERNAL"
	}
}

// Fault is an error carrying a Kind.
type Fault struct {
	Fkind Kind
	Msg   string
	Cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Fkind, f.Msg, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Fkind, f.Msg)
}

// Unwrap exposes the cause for errors.Is/As.
func (f *Fault) Unwrap() error { return f.Cause }

// New creates a Fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{Fkind: kind, Msg: msg}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Fkind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, cause error) *Fault {
	return &Fault{Fkind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Fkind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// GRPCStatus maps an error onto a gRPC status. The message is the concise
// fault message only; causes stay inside the trust boundary.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	msg := "internal error"
	kind := KindInternal
	if errors.As(err, &f) {
		kind = f.Fkind
		msg = f.Msg
	}

	var code codes.Code
	switch kind {
	case KindInvalidInput:
		code = codes.InvalidArgument
	case KindAuth:
		code = codes.Unauthenticated
	case KindRateLimited:
		code = codes.ResourceExhausted
	case KindUpstreamUnavailable:
		code = codes.Unavailable
	case KindNotFound:
		code = codes.NotFound
	case KindConflict:
		code = codes.AlreadyExists
	case KindIntegrity:
		code = codes.DataLoss
	default:
		code = codes.Internal
	}
	return status.Error(code, msg)
}
