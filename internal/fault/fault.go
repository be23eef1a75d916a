// Package fault defines the error kinds the engine reports to the application
// layer. Only an explicit permission denial is fatal; every other kind is
// retried internally and surfaced as a diagnostic.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindPermission Kind = "permission"
	KindSource     Kind = "source"
	KindStoreWrite Kind = "store_write"
	KindConfig     Kind = "config"
	KindUnknown    Kind = "unknown"
)

// Error is a classified engine error.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Fatal bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrDenied is the cause attached to fatal permission errors.
var ErrDenied = errors.New("location authorization denied")

// Permission reports insufficient authorization. A wrapped ErrDenied marks it fatal.
func Permission(op string, err error) error {
	return &Error{Kind: KindPermission, Op: op, Err: err, Fatal: errors.Is(err, ErrDenied)}
}

func Source(op string, err error) error {
	return &Error{Kind: KindSource, Op: op, Err: err}
}

func StoreWrite(op string, err error) error {
	return &Error{Kind: KindStoreWrite, Op: op, Err: err}
}

func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Fatal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
