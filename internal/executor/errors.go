package executor

import (
	"errors"
	"fmt"
)

var (
	ErrCommandFailed  = errors.New("command failed")
	ErrMissingSource  = errors.New("missing source path")
	ErrMissingContext = errors.New("missing context path")
)

// Error describes a failed operation with its diagnostics attached.
type Error struct {

	// Stage and Op identify the failed operation.
	Stage string
	Op    string

	// ExitCode is set for command failures.
	ExitCode int

	// Stderr is the bounded tail of the command's standard error.
	Stderr string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Op, e.Err)
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
