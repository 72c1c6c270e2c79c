package executor

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// ExitError carries the exit code of a failed external process so it can be
// propagated as the driver's own exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps an error from a build to the process exit code: 0 for nil,
// the external process's code when one failed, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// CommandExecutor interface for dependency injection and improved testability
type CommandExecutor interface {
	Run(ctx context.Context, argv []string, stdout, stderr io.Writer) error
}

// RealCommandExecutor implements CommandExecutor by running the argv directly,
// without a shell.
type RealCommandExecutor struct{}

func (RealCommandExecutor) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}
