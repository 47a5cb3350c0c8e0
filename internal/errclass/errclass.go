// Package errclass classifies failures for process exit status. Sentinels
// are attached with eris wrapping so the class survives arbitrary layers of
// context.
package errclass

import (
	"errors"
)

var (
	// ErrValidation marks bad input: manifests, weight config, arguments.
	ErrValidation = errors.New("validation failure")
	// ErrGate marks a determinism or quality gate failure: the build's
	// invariants do not hold and its outputs must not be trusted.
	ErrGate = errors.New("gate failure")
	// ErrNoOp marks work that was already done; the caller got a valid
	// result without anything changing.
	ErrNoOp = errors.New("already up to date")
)

// Exit status values for the CLI.
const (
	ExitOK          = 0
	ExitOperational = 1
	ExitValidation  = 2
	ExitGate        = 3
	ExitNoOp        = 4
)

// ExitCode maps an error to the process exit status. Unclassified errors
// are operational.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoOp):
		return ExitNoOp
	case errors.Is(err, ErrGate):
		return ExitGate
	case errors.Is(err, ErrValidation):
		return ExitValidation
	default:
		return ExitOperational
	}
}
