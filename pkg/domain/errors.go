// Package domain holds the shared model types and the typed error taxonomy
// every component maps its failures onto. Callers branch on Kind, never on
// error strings.
package domain

import (
	"errors"
	"fmt"
)

// Kind tags a domain error with its category.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindAlreadyExists        Kind = "already_exists"
	KindInvalidState         Kind = "invalid_state"
	KindHashMismatch         Kind = "hash_mismatch"
	KindSignaturesIncomplete Kind = "signatures_incomplete"
	KindQualityRejected      Kind = "quality_rejected"
	KindMiningBudgetExceeded Kind = "mining_budget_exceeded"
	KindExternalFailed       Kind = "external_failed"
	KindPersistenceFailed    Kind = "persistence_failed"
	KindIntegrityViolation   Kind = "integrity_violation"
)

// Error is a tagged domain error. Missing is populated only for
// signatures_incomplete, listing the absent signer types.
type Error struct {
	Kind    Kind
	Msg     string
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// SignaturesIncomplete builds the structured incomplete-signature error.
func SignaturesIncomplete(missing []string) *Error {
	return &Error{
		Kind:    KindSignaturesIncomplete,
		Msg:     fmt.Sprintf("missing signatures from: %v", missing),
		Missing: missing,
	}
}

// KindOf extracts the Kind from err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
