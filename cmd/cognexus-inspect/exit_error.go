package main

import (
	"errors"
	"fmt"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: exitUsage, Err: fmt.Errorf(format, args...)}
}

func failure(err error) error {
	return &ExitError{Code: exitFailure, Err: err}
}

// exitCode maps a command error to the process exit code. Errors that are
// not an *ExitError come from cobra's own argument and flag parsing.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitUsage
}
