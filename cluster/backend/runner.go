package backend

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Runner executes an external command and returns its stdout. The
// local and docker backends run everything through it so tests can
// substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

// NewExecRunner returns the os/exec backed Runner used in production.
func NewExecRunner() Runner {
	return &execRunner{}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Wrapf(ErrTimeout, "%s", name)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}

		// the command never ran: binary missing, permissions, etc.
		return "", errors.Wrapf(ErrUnreachable, "%s: %v", name, err)
	}

	return stdout.String(), nil
}
