package commands

import (
	"errors"

	"github.com/openfroyo/straddle/pkg/config"
	"github.com/openfroyo/straddle/pkg/engine"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitPartial = 2
	ExitConfig  = 3
)

// CodeError carries the exit code of a failed command.
type CodeError struct {
	Code int
	Err  error
}

func (e *CodeError) Error() string {
	return e.Err.Error()
}

func (e *CodeError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	return &CodeError{Code: ExitConfig, Err: err}
}

// ExitCode maps a command error to the process exit code. Document, graph
// and policy errors are configuration errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var de *config.DocumentError
	if errors.As(err, &de) || engine.IsGraphError(err) {
		return ExitConfig
	}
	return ExitRuntime
}
