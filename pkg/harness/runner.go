package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/alessio/shellescape"

	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// Runner executes processes on the host running the tests. Substrates drive
// their CLI tools through a Runner so they can be exercised without the tools.
type Runner interface {
	Run(ctx context.Context, args []string, opts ExecOptions) (*ExecResult, error)
}

// HostRunner runs commands as local processes.
type HostRunner struct {
	Logger testutils.Logger
}

// NewHostRunner returns a Runner logging every command to logger.
func NewHostRunner(logger testutils.Logger) *HostRunner {
	return &HostRunner{Logger: logger}
}

// Run starts the command and waits for it, capturing stdout and stderr.
func (r *HostRunner) Run(ctx context.Context, args []string, opts ExecOptions) (*ExecResult, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}

	if r.Logger != nil {
		testutils.Debugf(r.Logger, "running command: %s", shellescape.QuoteCommand(args))
	}

	//nolint:gosec // running provisioning tools with caller provided arguments is the point
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = opts.Stdin
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	err := cmd.Run()
	res := &ExecResult{Args: args, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exerr *exec.ExitError
	switch {
	case errors.As(err, &exerr):
		res.ExitCode = exerr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("command %s: %w", shellescape.QuoteCommand(args), ctx.Err())
		}
	case err != nil:
		return res, fmt.Errorf("command %s: %w", shellescape.QuoteCommand(args), err)
	}

	if res.ExitCode != 0 && opts.Check {
		return res, &ExecError{Result: res}
	}
	return res, nil
}
