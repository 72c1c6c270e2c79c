package executor

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellRunner runs free-form command targets through a POSIX shell
// interpreter so they behave the same on every platform.
type ShellRunner interface {
	Run(ctx context.Context, name, command string, stdout, stderr io.Writer) error
}

type shellRunner struct{}

func NewShellRunner() ShellRunner {
	return shellRunner{}
}

func (shellRunner) Run(ctx context.Context, name, command string, stdout, stderr io.Writer) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), name)
	if err != nil {
		return errors.Wrapf(err, "failed to parse command for %s", name)
	}

	runner, err := interp.New(
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to initialize shell runner")
	}

	err = runner.Run(ctx, file)
	if status, ok := interp.IsExitStatus(err); ok {
		return &ExitError{Code: int(status)}
	}
	return err
}
