package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/otiai10/copy"

	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

const localInstanceID = "local"

// LocalHarness uses the machine running the tests as its only instance.
type LocalHarness struct {
	runner   Runner
	logger   testutils.Logger
	instance *LocalInstance
}

// NewLocalHarness creates a harness running commands through runner.
func NewLocalHarness(runner Runner, logger testutils.Logger) *LocalHarness {
	return &LocalHarness{runner: runner, logger: logger}
}

func (h *LocalHarness) Name() string {
	return "local"
}

// NewInstance returns the local machine. Only one instance can be active at a time.
func (h *LocalHarness) NewInstance(_ context.Context) (Instance, error) {
	if h.instance != nil {
		return nil, harnessErr(h.Name(), "new instance", errors.New("the local substrate supports a single instance"))
	}
	h.logger.Log("using the local machine as instance")
	h.instance = NewLocalInstance(h.runner)
	return h.instance, nil
}

func (h *LocalHarness) DeleteInstance(_ context.Context, id string) error {
	if id != localInstanceID {
		return harnessErr(h.Name(), "delete instance", fmt.Errorf("unknown instance %q", id))
	}
	h.instance = nil
	return nil
}

// Cleanup releases the local instance. Nothing on the host is removed.
func (h *LocalHarness) Cleanup(ctx context.Context) error {
	if h.instance == nil {
		return nil
	}
	return h.DeleteInstance(ctx, localInstanceID)
}

// LocalInstance runs commands directly on the host.
type LocalInstance struct {
	runner Runner
}

// NewLocalInstance returns an instance backed by runner.
func NewLocalInstance(runner Runner) *LocalInstance {
	return &LocalInstance{runner: runner}
}

func (i *LocalInstance) ID() string {
	return localInstanceID
}

func (i *LocalInstance) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	return i.runner.Run(ctx, args, NewExecOptions(opts...))
}

func (i *LocalInstance) SendFile(_ context.Context, source, destination string) error {
	if err := copy.Copy(source, destination); err != nil {
		return fmt.Errorf("copying %s to %s: %w", source, destination, err)
	}
	return nil
}

func (i *LocalInstance) PullFile(ctx context.Context, source, destination string) error {
	return i.SendFile(ctx, source, destination)
}
