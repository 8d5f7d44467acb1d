package harness

// Contains functions helpful for running configured commands on instances.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"github.com/canonical/k8s-test-harness/internal/env"
	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// GetArgs parses a command line string into its arguments and appends a namespace if it is not already set.
func GetArgs(cmd v1beta1.Command, namespace string, envMap map[string]string) ([]string, error) {
	if cmd.Command != "" && cmd.Script != "" {
		return nil, errors.New("command and script can not be set in the same configuration")
	}
	if cmd.Command == "" && cmd.Script == "" {
		return nil, errors.New("command or script must be set")
	}
	if cmd.Script != "" && cmd.Namespaced {
		return nil, errors.New("script can not used 'namespaced', use the $NAMESPACE environment variable instead")
	}

	if cmd.Script != "" {
		return []string{"sh", "-c", cmd.Script}, nil
	}

	argSplit, err := shlex.Split(env.ExpandWithMap(cmd.Command, envMap))
	if err != nil {
		return nil, err
	}
	if len(argSplit) == 0 {
		return nil, fmt.Errorf("command %q expands to nothing", cmd.Command)
	}

	argSlice := append([]string{}, argSplit...)

	if cmd.Namespaced {
		fs := pflag.NewFlagSet("", pflag.ContinueOnError)
		fs.ParseErrorsWhitelist.UnknownFlags = true

		namespaceParsed := fs.StringP("namespace", "n", "", "")
		if err := fs.Parse(argSplit); err != nil {
			return nil, err
		}

		if *namespaceParsed == "" {
			argSlice = append(argSlice, "--namespace", namespace)
		}
	}

	return argSlice, nil
}

// RunCommand runs a configured command on inst.
// timeout is the harness wide default in seconds, 0 meaning no timeout.
func RunCommand(ctx context.Context, inst Instance, namespace string, cmd v1beta1.Command, logger testutils.Logger, timeout int) (*ExecResult, error) {
	cmdEnv := map[string]string{"NAMESPACE": namespace}

	timeout = cmd.EffectiveTimeout(timeout)
	cmdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	args, err := GetArgs(cmd, namespace, cmdEnv)
	if err != nil {
		return nil, fmt.Errorf("processing command %q with %w", cmd.String(), err)
	}

	logger.Logf("running command on %s: %v", inst.ID(), args)

	res, err := inst.Exec(cmdCtx, args, WithEnv(fmt.Sprintf("NAMESPACE=%s", namespace)))
	if res != nil && !cmd.SkipLogOutput {
		_, _ = logger.Write(res.Stdout)
		_, _ = logger.Write(res.Stderr)
		logger.Flush()
	}

	var exerr *ExecError
	switch {
	case errors.As(err, &exerr) && cmd.IgnoreFailure:
		return res, nil
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("command %q exceeded %v sec timeout, %w", cmd.String(), timeout, cmdCtx.Err())
	case err != nil:
		return res, fmt.Errorf("command %q failed, %w", cmd.String(), err)
	}
	return res, nil
}

// RunCommands runs a set of commands, returning any errors.
// If any command fails, the following commands are skipped.
func RunCommands(ctx context.Context, inst Instance, namespace string, commands []v1beta1.Command, logger testutils.Logger, timeout int) error {
	for i, cmd := range commands {
		if _, err := RunCommand(ctx, inst, namespace, cmd, logger, timeout); err != nil {
			if remaining := len(commands) - i - 1; remaining > 0 {
				logger.Logf("command failure, skipping %d additional commands", remaining)
			}
			return err
		}
	}
	return nil
}
