// Package apperr defines the engine-visible error taxonomy shared by every
// component of the application store (spec §7).
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the fixed error categories the engine ever returns
// to a caller. Callers should compare with errors.Is against the sentinel
// values below, never against a Kind string.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRef
	KindInvalidRemote
	KindInvalidArgs
	KindAlreadyInstalled
	KindNotInstalled
	KindWrongOrigin
	KindRemoteDisabled
	KindSignatureInvalid
	KindAuthDenied
	KindCancelled
	KindInUse
	KindIOTransient
	KindIOPermanent
	KindNotEnoughSpace
	KindCorrupt
	KindConflict
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRef:
		return "InvalidRef"
	case KindInvalidRemote:
		return "InvalidRemote"
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindAlreadyInstalled:
		return "AlreadyInstalled"
	case KindNotInstalled:
		return "NotInstalled"
	case KindWrongOrigin:
		return "WrongOrigin"
	case KindRemoteDisabled:
		return "RemoteDisabled"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindAuthDenied:
		return "AuthDenied"
	case KindCancelled:
		return "Cancelled"
	case KindInUse:
		return "InUse"
	case KindIOTransient:
		return "IO(transient)"
	case KindIOPermanent:
		return "IO(permanent)"
	case KindNotEnoughSpace:
		return "NotEnoughSpace"
	case KindCorrupt:
		return "Corrupt"
	case KindConflict:
		return "Conflict"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across every package boundary in
// this module. Op names the operation that failed (e.g. "install",
// "deploy", "remote.modify") so a caller can tell which public call surfaced
// it even after several layers of wrapping.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.Sentinel(kind)) match any *Error of that
// Kind regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Wrap builds a new *Error with the given kind, operation name, and cause.
// A nil cause is permitted (some kinds, like Cancelled, are often raised
// without an underlying system error).
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a comparison value for errors.Is against a bare Kind,
// e.g. errors.Is(err, apperr.Sentinel(apperr.KindAlreadyInstalled)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
