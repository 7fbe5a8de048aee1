// Package pluginhost discovers, loads and catalogs sandboxed capability
// modules. Subpackages implement the scanner, loader, translator, registry
// and discovery orchestrator; this package holds the error taxonomy shared by
// all of them and the middleware applied to host functions exposed to guests.
package pluginhost

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure in the discovery pipeline.
type ErrorKind string

const (
	ErrorKindIO                    ErrorKind = "IoError"
	ErrorKindClassificationUnknown ErrorKind = "ClassificationUnknown"
	ErrorKindLoad                  ErrorKind = "LoadError"
	ErrorKindInvocation            ErrorKind = "InvocationError"
	ErrorKindTranslation           ErrorKind = "TranslationError"
	ErrorKindDuplicateIdentifier   ErrorKind = "DuplicateIdentifier"
	ErrorKindLockPoisoned          ErrorKind = "LockPoisoned"
)

// Sentinel errors, one per kind.
// They allow errors.Is() checks without inspecting *Error directly.
var (
	ErrIO                    = errors.New("io error")
	ErrClassificationUnknown = errors.New("module kind could not be determined")
	ErrLoad                  = errors.New("module load failed")
	ErrInvocation            = errors.New("module invocation failed")
	ErrTranslation           = errors.New("metadata translation failed")
	ErrDuplicateIdentifier   = errors.New("identifier already registered")
	ErrLockPoisoned          = errors.New("registry lock poisoned")
)

var sentinels = map[ErrorKind]error{
	ErrorKindIO:                    ErrIO,
	ErrorKindClassificationUnknown: ErrClassificationUnknown,
	ErrorKindLoad:                  ErrLoad,
	ErrorKindInvocation:            ErrInvocation,
	ErrorKindTranslation:           ErrTranslation,
	ErrorKindDuplicateIdentifier:   ErrDuplicateIdentifier,
	ErrorKindLockPoisoned:          ErrLockPoisoned,
}

// Error is the structured error produced by every pipeline stage.
// Path is the module file (or root directory) involved, Op the operation
// that failed.
type Error struct {
	Err  error
	Kind ErrorKind
	Path string
	Op   string
}

// NewError builds an *Error. err may be nil.
func NewError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind ErrorKind, op, path, format string, args ...any) *Error {
	return NewError(kind, op, path, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Detail returns the cause without the kind/op/path prefix.
func (e *Error) Detail() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, pluginhost.ErrLoad)
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty string if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err must abort a discovery run rather than being
// recorded against a single module.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLockPoisoned)
}

// WithPath returns err with Path set to path when err is an *Error that has
// none. Other errors are wrapped as kind.
func WithPath(err error, kind ErrorKind, op, path string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Path != "" {
			return err
		}
		return NewError(e.Kind, e.Op, path, e.Err)
	}
	return NewError(kind, op, path, err)
}
