// Package etlerr defines the error taxonomy shared by the pipeline engine.
//
// Errors carry a Kind so the registry and combinators can decide retry and
// escalation behavior without parsing messages. Configuration errors are
// never retried; extraction and loading errors are retried within bounds;
// transformation errors drop the offending record and continue.
package etlerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and escalation decisions.
type Kind int

const (
	KindConfiguration Kind = iota
	KindExtraction
	KindTransformation
	KindLoading
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindExtraction:
		return "extraction"
	case KindTransformation:
		return "transformation"
	case KindLoading:
		return "loading"
	}
	return "unknown"
}

// Error is a classified pipeline error. Stage is the name of the stage that
// produced it, when known.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and stage name.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Configf builds a configuration error.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// Extractf builds an extraction error for a stage.
func Extractf(stage, format string, args ...any) *Error {
	return &Error{Kind: KindExtraction, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Transformf builds a transformation error for a stage.
func Transformf(stage, format string, args ...any) *Error {
	return &Error{Kind: KindTransformation, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Loadf builds a loading error for a stage.
func Loadf(stage, format string, args ...any) *Error {
	return &Error{Kind: KindLoading, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
