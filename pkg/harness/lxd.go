package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/siderolabs/go-retry/retry"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

var (
	lxdReadyTimeout  = 5 * time.Minute
	lxdReadyInterval = 5 * time.Second
)

// LXDHarness provisions LXD containers or virtual machines through the lxc CLI.
type LXDHarness struct {
	cfg    v1beta1.LXDConfig
	runner Runner
	logger testutils.Logger

	profileReady bool
	instances    tracker
}

// NewLXDHarness creates a harness for the given configuration. The profile is
// created lazily with the first instance.
func NewLXDHarness(cfg v1beta1.LXDConfig, runner Runner, logger testutils.Logger) *LXDHarness {
	return &LXDHarness{cfg: cfg, runner: runner, logger: logger}
}

func (h *LXDHarness) Name() string {
	return string(v1beta1.SubstrateLXD)
}

func (h *LXDHarness) lxc(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	return h.runner.Run(ctx, append([]string{"lxc"}, args...), NewExecOptions(opts...))
}

// ensureProfile creates the profile if needed and loads it from the configured file.
func (h *LXDHarness) ensureProfile(ctx context.Context) error {
	if h.profileReady || h.cfg.Profile == "" {
		return nil
	}

	profile, err := os.ReadFile(h.cfg.Profile)
	if err != nil {
		return fmt.Errorf("reading profile %s: %w", h.cfg.Profile, err)
	}

	res, err := h.lxc(ctx, []string{"profile", "show", h.cfg.ProfileName}, WithCheck(false))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		h.logger.Logf("creating profile %s", h.cfg.ProfileName)
		if _, err := h.lxc(ctx, []string{"profile", "create", h.cfg.ProfileName}); err != nil {
			return err
		}
	}

	if _, err := h.lxc(ctx, []string{"profile", "edit", h.cfg.ProfileName}, WithStdin(bytes.NewReader(profile))); err != nil {
		return err
	}
	h.profileReady = true
	return nil
}

func (h *LXDHarness) NewInstance(ctx context.Context) (Instance, error) {
	if err := h.ensureProfile(ctx); err != nil {
		return nil, harnessErr(h.Name(), "configure profile", err)
	}

	name := newInstanceName()
	args := []string{"launch", h.cfg.Image, name, "-p", "default"}
	if h.cfg.Profile != "" {
		args = append(args, "-p", h.cfg.ProfileName)
	}
	if h.cfg.VM {
		args = append(args, "--vm")
	}

	h.logger.Logf("launching %s from %s", name, h.cfg.Image)
	if _, err := h.lxc(ctx, args); err != nil {
		return nil, harnessErr(h.Name(), "launch instance", err)
	}
	h.instances.add(name)

	inst := &LXDInstance{name: name, harness: h}

	// Wait for the instance agent and network before handing it out.
	err := retry.Constant(lxdReadyTimeout, retry.WithUnits(lxdReadyInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			if _, err := inst.Exec(ctx, []string{"ip", "-4", "route", "show", "default"}); err != nil {
				return retry.ExpectedError(err)
			}
			return nil
		})
	if err != nil {
		return nil, harnessErr(h.Name(), "wait for instance", err)
	}

	return inst, nil
}

func (h *LXDHarness) DeleteInstance(ctx context.Context, id string) error {
	if !h.instances.has(id) {
		return harnessErr(h.Name(), "delete instance", fmt.Errorf("unknown instance %q", id))
	}
	h.logger.Logf("deleting %s", id)
	if _, err := h.lxc(ctx, []string{"rm", id, "--force"}); err != nil {
		return harnessErr(h.Name(), "delete instance", err)
	}
	h.instances.remove(id)
	return nil
}

func (h *LXDHarness) Cleanup(ctx context.Context) error {
	return cleanupAll(ctx, h, h.instances.all())
}

// LXDInstance is a container or VM managed by an LXDHarness.
type LXDInstance struct {
	name    string
	harness *LXDHarness
}

func (i *LXDInstance) ID() string {
	return i.name
}

func (i *LXDInstance) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	o := NewExecOptions(opts...)
	lxcArgs := []string{"lxc", "exec", i.name}
	for _, e := range o.Env {
		lxcArgs = append(lxcArgs, "--env", e)
	}
	if o.Dir != "" {
		lxcArgs = append(lxcArgs, "--cwd", o.Dir)
	}
	lxcArgs = append(lxcArgs, "--")
	lxcArgs = append(lxcArgs, args...)

	// The environment is passed on the lxc command line, not to lxc itself.
	o.Env, o.Dir = nil, ""
	return i.harness.runner.Run(ctx, lxcArgs, o)
}

func (i *LXDInstance) SendFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(destination) {
		return fmt.Errorf("destination %q must be an absolute path", destination)
	}
	if _, err := i.Exec(ctx, []string{"mkdir", "-m", "0777", "-p", path.Dir(destination)}); err != nil {
		return err
	}
	_, err := i.harness.lxc(ctx, []string{"file", "push", source, i.name + destination})
	return err
}

func (i *LXDInstance) PullFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(source) {
		return errors.New("source must be an absolute path")
	}
	_, err := i.harness.lxc(ctx, []string{"file", "pull", i.name + source, destination})
	return err
}

// cleanupAll deletes every id, continuing past failures.
func cleanupAll(ctx context.Context, h Harness, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := h.DeleteInstance(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
