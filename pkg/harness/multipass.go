package harness

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// multipassStaging is where files are transferred before being moved in place,
// since multipass transfer runs as the default user.
const multipassStaging = "/home/ubuntu"

// MultipassHarness provisions virtual machines through the multipass CLI.
type MultipassHarness struct {
	cfg       v1beta1.MultipassConfig
	runner    Runner
	logger    testutils.Logger
	instances tracker
}

// NewMultipassHarness creates a harness for the given configuration.
func NewMultipassHarness(cfg v1beta1.MultipassConfig, runner Runner, logger testutils.Logger) *MultipassHarness {
	return &MultipassHarness{cfg: cfg, runner: runner, logger: logger}
}

func (h *MultipassHarness) Name() string {
	return string(v1beta1.SubstrateMultipass)
}

func (h *MultipassHarness) multipass(ctx context.Context, args ...string) (*ExecResult, error) {
	return h.runner.Run(ctx, append([]string{"multipass"}, args...), NewExecOptions())
}

func (h *MultipassHarness) NewInstance(ctx context.Context) (Instance, error) {
	name := newInstanceName()

	h.logger.Logf("launching %s from %s", name, h.cfg.Image)
	_, err := h.multipass(ctx,
		"launch",
		"--name", name,
		"--cpus", strconv.Itoa(h.cfg.CPUs),
		"--memory", h.cfg.Memory,
		"--disk", h.cfg.Disk,
		h.cfg.Image,
	)
	if err != nil {
		return nil, harnessErr(h.Name(), "launch instance", err)
	}
	h.instances.add(name)

	return &MultipassInstance{name: name, harness: h}, nil
}

func (h *MultipassHarness) DeleteInstance(ctx context.Context, id string) error {
	if !h.instances.has(id) {
		return harnessErr(h.Name(), "delete instance", fmt.Errorf("unknown instance %q", id))
	}
	h.logger.Logf("deleting %s", id)
	if _, err := h.multipass(ctx, "delete", id, "--purge"); err != nil {
		return harnessErr(h.Name(), "delete instance", err)
	}
	h.instances.remove(id)
	return nil
}

func (h *MultipassHarness) Cleanup(ctx context.Context) error {
	return cleanupAll(ctx, h, h.instances.all())
}

// MultipassInstance is a virtual machine managed by a MultipassHarness.
type MultipassInstance struct {
	name    string
	harness *MultipassHarness
}

func (i *MultipassInstance) ID() string {
	return i.name
}

// Exec runs args as root on the machine.
func (i *MultipassInstance) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	o := NewExecOptions(opts...)
	cmd := []string{"multipass", "exec", i.name, "--", "sudo"}
	if len(o.Env) > 0 || o.Dir != "" {
		cmd = append(cmd, "env")
		if o.Dir != "" {
			cmd = append(cmd, "-C", o.Dir)
		}
		cmd = append(cmd, o.Env...)
	}
	cmd = append(cmd, args...)

	o.Env, o.Dir = nil, ""
	return i.harness.runner.Run(ctx, cmd, o)
}

func (i *MultipassInstance) SendFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(destination) {
		return fmt.Errorf("destination %q must be an absolute path", destination)
	}
	staged := path.Join(multipassStaging, path.Base(destination))

	if _, err := i.Exec(ctx, []string{"mkdir", "-m", "0777", "-p", path.Dir(destination)}); err != nil {
		return err
	}
	if _, err := i.harness.multipass(ctx, "transfer", source, i.name+":"+staged); err != nil {
		return err
	}
	if staged == destination {
		return nil
	}
	_, err := i.Exec(ctx, []string{"mv", staged, destination})
	return err
}

func (i *MultipassInstance) PullFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(source) {
		return fmt.Errorf("source %q must be an absolute path", source)
	}
	staged := path.Join(multipassStaging, path.Base(source))

	if staged != source {
		if _, err := i.Exec(ctx, []string{"cp", source, staged}); err != nil {
			return err
		}
		defer func() {
			_, _ = i.Exec(context.WithoutCancel(ctx), []string{"rm", "-f", staged})
		}()
	}
	if _, err := i.Exec(ctx, []string{"chmod", "a+r", staged}); err != nil {
		return err
	}
	_, err := i.harness.multipass(ctx, "transfer", i.name+":"+staged, destination)
	return err
}
