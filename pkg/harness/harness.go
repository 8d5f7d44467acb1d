// Package harness provisions test instances on a substrate and runs commands on them.
//
// A Harness creates and tracks Instances. An Instance is the handle tests use
// to run commands and move files; it is valid until the harness deletes it.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alessio/shellescape"
)

// ErrUnsupportedSubstrate is returned when the configured substrate is not known.
var ErrUnsupportedSubstrate = errors.New("unsupported substrate")

// Harness provisions instances on a substrate.
type Harness interface {
	// Name returns the substrate name.
	Name() string
	// NewInstance provisions a new instance.
	NewInstance(ctx context.Context) (Instance, error)
	// DeleteInstance removes the instance with the given id.
	DeleteInstance(ctx context.Context, id string) error
	// Cleanup removes every instance created by the harness.
	Cleanup(ctx context.Context) error
}

// Instance is a handle to a provisioned machine.
type Instance interface {
	// ID identifies the instance within its harness.
	ID() string
	// Exec runs a command on the instance. Unless WithCheck(false) is given, a
	// non-zero exit code is returned as an *ExecError.
	Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error)
	// SendFile copies a local file to an absolute path on the instance.
	SendFile(ctx context.Context, source, destination string) error
	// PullFile copies a file from the instance to a local path.
	PullFile(ctx context.Context, source, destination string) error
}

// KubectlProvider is implemented by instances that come up with Kubernetes
// already running and ship kubectl outside of the k8s snap.
type KubectlProvider interface {
	// Kubectl returns the argv prefix that invokes kubectl against the cluster.
	Kubectl() []string
}

// KubeconfigProvider is implemented by instances that can hand out an admin
// kubeconfig without running a command.
type KubeconfigProvider interface {
	Kubeconfig(ctx context.Context) ([]byte, error)
}

// ExecResult is the outcome of a finished command.
type ExecResult struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// StdoutString returns stdout with surrounding whitespace removed.
func (r *ExecResult) StdoutString() string {
	return strings.TrimSpace(string(r.Stdout))
}

// ExecError is returned when a checked command exits with a non-zero code.
type ExecError struct {
	Result *ExecResult
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("command %s exited with code %d", shellescape.QuoteCommand(e.Result.Args), e.Result.ExitCode)
	if stderr := strings.TrimSpace(string(e.Result.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// HarnessError reports a failure of the substrate itself, as opposed to a
// failing command on an instance.
type HarnessError struct {
	Substrate string
	Op        string
	Err       error
}

func (e *HarnessError) Error() string {
	return fmt.Sprintf("%s harness: %s: %v", e.Substrate, e.Op, e.Err)
}

func (e *HarnessError) Unwrap() error {
	return e.Err
}

func harnessErr(substrate, op string, err error) error {
	return &HarnessError{Substrate: substrate, Op: op, Err: err}
}

// ExecOptions tune a single command execution.
type ExecOptions struct {
	// Check turns a non-zero exit code into an *ExecError. Defaults to true.
	Check bool
	Stdin io.Reader
	// Env holds KEY=VALUE pairs added to the command's environment.
	Env []string
	Dir string
}

// ExecOption configures ExecOptions.
type ExecOption func(*ExecOptions)

// WithCheck controls whether a non-zero exit code is an error.
func WithCheck(check bool) ExecOption {
	return func(o *ExecOptions) { o.Check = check }
}

// WithStdin feeds r to the command's standard input.
func WithStdin(r io.Reader) ExecOption {
	return func(o *ExecOptions) { o.Stdin = r }
}

// WithEnv adds KEY=VALUE pairs to the command's environment.
func WithEnv(env ...string) ExecOption {
	return func(o *ExecOptions) { o.Env = append(o.Env, env...) }
}

// WithDir sets the working directory of the command.
func WithDir(dir string) ExecOption {
	return func(o *ExecOptions) { o.Dir = dir }
}

// NewExecOptions applies opts over the defaults.
func NewExecOptions(opts ...ExecOption) ExecOptions {
	o := ExecOptions{Check: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
