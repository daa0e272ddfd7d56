package cli

import (
	"errors"

	"github.com/Ruj89/strata/internal/executor"
	"github.com/Ruj89/strata/internal/store"
)

// Exit codes returned by the strata binary.
const (
	ExitOK      = 0
	ExitUsage   = 1 // bad recipe, unknown stage, bad flags
	ExitBuild   = 2 // a build operation failed
	ExitStorage = 3 // snapshot store failure
)

// ExitCode maps an error to the process exit code. Store failures take
// precedence over the operation that surfaced them.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, store.ErrStore),
		errors.Is(err, store.ErrCorrupt),
		errors.Is(err, store.ErrUnknownBase):
		return ExitStorage
	case errors.Is(err, executor.ErrCommandFailed),
		errors.Is(err, executor.ErrMissingSource),
		errors.Is(err, executor.ErrMissingContext):
		return ExitBuild
	default:
		return ExitUsage
	}
}
