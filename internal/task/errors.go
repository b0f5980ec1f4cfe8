package task

import (
	"errors"
	"strings"
)

// Error kinds. Every *Error matches ErrScheduler under errors.Is; the kind
// sentinels select the subtype.
var (
	ErrScheduler  = errors.New("scheduler error")
	ErrValidation = errors.New("validation error")
	ErrDependency = errors.New("dependency error")
	ErrState      = errors.New("state error")
)

// Error is the typed failure returned by scheduler operations.
type Error struct {
	Kind   error // one of the Err* sentinels; nil means ErrScheduler
	Op     string
	TaskID string
	Msg    string
	Err    error
}

func (e *Error) kind() error {
	if e.Kind == nil {
		return ErrScheduler
	}
	return e.Kind
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.kind().Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.TaskID != "" {
		b.WriteString(" task ")
		b.WriteString(e.TaskID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.kind()}
	}
	return []error{e.kind(), e.Err}
}

// Is makes every scheduler error match the base kind.
func (e *Error) Is(target error) bool { return target == ErrScheduler }

func newError(kind error, op, id, msg string) *Error {
	return &Error{Kind: kind, Op: op, TaskID: id, Msg: msg}
}

func Validation(op, id, msg string) *Error { return newError(ErrValidation, op, id, msg) }

func DependencyErr(op, id, msg string) *Error { return newError(ErrDependency, op, id, msg) }

func State(op, id, msg string) *Error { return newError(ErrState, op, id, msg) }

// Wrap returns err unchanged when it already is a scheduler error, otherwise
// a generic scheduler error with err attached as the cause.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: ErrScheduler, Op: op, TaskID: id, Msg: "failed to " + op, Err: err}
}

// KindOf returns the kind sentinel of a scheduler error, or nil.
func KindOf(err error) error {
	var se *Error
	if !errors.As(err, &se) {
		return nil
	}
	return se.kind()
}
