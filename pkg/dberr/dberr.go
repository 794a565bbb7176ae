/*
Package dberr defines the error taxonomy shared by every subsystem of the
database core (spec §7): a fixed set of Kind values plus an Error type that
wraps an underlying cause while preserving it for errors.Is/errors.As, in the
same "%w"-wrapping idiom the storage and security packages already use.
*/
package dberr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure, independent of which subsystem
// raised it. Callers branch on Kind rather than on string matching or
// sentinel identity so that wrapped storage errors still classify correctly.
type Kind string

const (
	KindInvalidDatabaseName    Kind = "invalid_database_name"
	KindDatabaseNotFound       Kind = "database_not_found"
	KindDatabaseNameTaken      Kind = "database_name_already_taken"
	KindSchemaMismatch         Kind = "schema_mismatch"
	KindSchemaAlreadyRegistered Kind = "schema_already_registered"
	KindSchemaNotRegistered    Kind = "schema_not_registered"
	KindCollectionNotFound     Kind = "collection_not_found"
	KindViewNotFound           Kind = "view_not_found"
	KindInvalidArgument        Kind = "invalid_argument"

	KindDocumentNotFound   Kind = "document_not_found"
	KindDocumentConflict   Kind = "document_conflict"
	KindUniqueKeyViolation Kind = "unique_key_violation"

	KindKeySerialization       Kind = "key_serialization"
	KindSerialization          Kind = "serialization"
	KindRangeQueryNotSupported Kind = "range_query_not_supported"
	KindMapFunc                Kind = "map_func_error"
	KindReduceFunc             Kind = "reduce_func_error"

	KindStorage Kind = "storage"
	KindIO      Kind = "io"

	KindUnauthorized Kind = "unauthorized"

	KindTransport          Kind = "transport"
	KindDisconnected       Kind = "disconnected"
	KindUnexpectedResponse Kind = "unexpected_response"
)

// Error is the concrete error type returned by every exported operation in
// this module. Op names the failing operation (e.g. "txn.Execute",
// "view.Query") for log correlation; Err, when set, is the underlying cause
// and is reachable through Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, dberr.New("", dberr.KindDocumentNotFound, nil)) style
// comparisons work; more commonly callers use errors.As and inspect Kind
// directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind for operation op, wrapping err
// (which may be nil).
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err if it is (or wraps) a *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
