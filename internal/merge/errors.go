package merge

import (
	"errors"
	"fmt"
)

// Kind classifies merge failures.
type Kind string

const (
	// KindUnresolvedReference means a foreign key could not be mapped. Row-scoped.
	KindUnresolvedReference Kind = "UNRESOLVED_REFERENCE"

	// KindUniquenessConflict means an insert hit a constraint the dedup check
	// did not anticipate. Row-scoped.
	KindUniquenessConflict Kind = "UNIQUENESS_CONFLICT"

	// KindStructuralFailure aborts the run.
	KindStructuralFailure Kind = "STRUCTURAL_FAILURE"

	// KindSchemaIncompatibility aborts the run before any work starts.
	KindSchemaIncompatibility Kind = "SCHEMA_INCOMPATIBILITY"
)

// Error is a classified merge error.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) > 0 {
		msg += fmt.Sprintf(" %v", e.Context)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value pair and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Fatal reports whether errors of this kind abort the run.
func (k Kind) Fatal() bool {
	return k == KindStructuralFailure || k == KindSchemaIncompatibility
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func structural(op string, err error) error {
	return newError(KindStructuralFailure, op, err)
}

func schemaIncompatible(op string, err error) error {
	return newError(KindSchemaIncompatibility, op, err)
}

// IsKind reports whether err wraps a merge error of the given kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}
