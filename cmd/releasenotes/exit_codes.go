package main

import (
	"errors"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

const (
	exitCodeFailure = 1
	exitCodeConfig  = 2
	exitCodeUsage   = 3
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitCodeFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit exit code, then falls back on the
// error taxonomy: bad input is a usage error, everything else a failure.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch rnerrors.GetCode(err) {
	case rnerrors.ErrCodeConfigLoad, rnerrors.ErrCodeConfigParse, rnerrors.ErrCodeConfigInvalid:
		return exitCodeConfig
	case rnerrors.ErrCodeClonePolicy, rnerrors.ErrCodeRefNotFound, rnerrors.ErrCodeInvalidTagOrder:
		return exitCodeUsage
	default:
		return exitCodeFailure
	}
}

// formatError renders the client-facing text of structured errors and the
// plain text of everything else.
func formatError(err error) string {
	var rnErr *rnerrors.Error
	if errors.As(err, &rnErr) {
		return rnerrors.Describe(rnErr)
	}
	return err.Error()
}
