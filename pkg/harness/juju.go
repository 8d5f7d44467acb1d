package harness

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/siderolabs/go-retry/retry"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

const jujuStaging = "/home/ubuntu"

var (
	jujuMachineRe      = regexp.MustCompile(`created machine (\S+)`)
	jujuStatusInterval = 10 * time.Second
)

// JujuHarness provisions machines in a Juju model.
type JujuHarness struct {
	cfg       v1beta1.JujuConfig
	runner    Runner
	logger    testutils.Logger
	instances tracker
}

// NewJujuHarness creates a harness adding machines to the configured model,
// or to the current model when none is set.
func NewJujuHarness(cfg v1beta1.JujuConfig, runner Runner, logger testutils.Logger) *JujuHarness {
	return &JujuHarness{cfg: cfg, runner: runner, logger: logger}
}

func (h *JujuHarness) Name() string {
	return string(v1beta1.SubstrateJuju)
}

// juju runs a juju subcommand against the configured model.
func (h *JujuHarness) juju(ctx context.Context, subcommand string, args ...string) (*ExecResult, error) {
	cmd := []string{"juju", subcommand}
	if h.cfg.Model != "" {
		cmd = append(cmd, "-m", h.cfg.Model)
	}
	return h.runner.Run(ctx, append(cmd, args...), NewExecOptions())
}

type jujuMachineStatus struct {
	Machines map[string]struct {
		JujuStatus struct {
			Current string `json:"current"`
			Message string `json:"message"`
		} `json:"juju-status"`
	} `json:"machines"`
}

func (h *JujuHarness) machineStatus(ctx context.Context, id string) (string, error) {
	res, err := h.juju(ctx, "show-machine", id, "--format", "json")
	if err != nil {
		return "", err
	}
	var status jujuMachineStatus
	if err := json.Unmarshal(res.Stdout, &status); err != nil {
		return "", fmt.Errorf("decoding status of machine %s: %w", id, err)
	}
	machine, ok := status.Machines[id]
	if !ok {
		return "", fmt.Errorf("machine %s missing from status", id)
	}
	return machine.JujuStatus.Current, nil
}

func (h *JujuHarness) NewInstance(ctx context.Context) (Instance, error) {
	args := []string{}
	if h.cfg.Base != "" {
		args = append(args, "--base", h.cfg.Base)
	}
	if h.cfg.Constraints != "" {
		args = append(args, "--constraints", h.cfg.Constraints)
	}

	res, err := h.juju(ctx, "add-machine", args...)
	if err != nil {
		return nil, harnessErr(h.Name(), "add machine", err)
	}
	// juju reports the new machine on stderr.
	match := jujuMachineRe.FindSubmatch(bytes.Join([][]byte{res.Stdout, res.Stderr}, []byte("\n")))
	if match == nil {
		return nil, harnessErr(h.Name(), "add machine", fmt.Errorf("unexpected output: %s", strings.TrimSpace(string(res.Stderr))))
	}
	id := string(match[1])
	h.instances.add(id)
	h.logger.Logf("added machine %s, waiting for it to start", id)

	timeout := time.Duration(h.cfg.MachineTimeout) * time.Second
	err = retry.Constant(timeout, retry.WithUnits(jujuStatusInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			status, err := h.machineStatus(ctx, id)
			if err != nil {
				return retry.ExpectedError(err)
			}
			if status != "started" {
				return retry.ExpectedErrorf("machine %s is %q", id, status)
			}
			return nil
		})
	if err != nil {
		return nil, harnessErr(h.Name(), "wait for machine", err)
	}

	return &JujuInstance{id: id, harness: h}, nil
}

func (h *JujuHarness) DeleteInstance(ctx context.Context, id string) error {
	if !h.instances.has(id) {
		return harnessErr(h.Name(), "delete instance", fmt.Errorf("unknown instance %q", id))
	}
	h.logger.Logf("removing machine %s", id)
	if _, err := h.juju(ctx, "remove-machine", id, "--force", "--no-prompt"); err != nil {
		return harnessErr(h.Name(), "delete instance", err)
	}
	h.instances.remove(id)
	return nil
}

func (h *JujuHarness) Cleanup(ctx context.Context) error {
	return cleanupAll(ctx, h, h.instances.all())
}

// JujuInstance is a machine in a Juju model.
type JujuInstance struct {
	id      string
	harness *JujuHarness
}

func (i *JujuInstance) ID() string {
	return i.id
}

// Exec runs args as root through juju exec. Standard input is not forwarded.
func (i *JujuInstance) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	o := NewExecOptions(opts...)

	command := shellescape.QuoteCommand(args)
	if len(o.Env) > 0 {
		command = "env " + shellescape.QuoteCommand(o.Env) + " " + command
	}
	if o.Dir != "" {
		command = "cd " + shellescape.Quote(o.Dir) + " && " + command
	}

	cmd := []string{"juju", "exec"}
	if i.harness.cfg.Model != "" {
		cmd = append(cmd, "-m", i.harness.cfg.Model)
	}
	cmd = append(cmd, "--machine", i.id, "--", command)

	res, err := i.harness.runner.Run(ctx, cmd, ExecOptions{Check: o.Check})
	if res != nil {
		res.Args = args
	}
	return res, err
}

func (i *JujuInstance) SendFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(destination) {
		return fmt.Errorf("destination %q must be an absolute path", destination)
	}
	staged := path.Join(jujuStaging, path.Base(destination))

	if _, err := i.harness.juju(ctx, "scp", source, i.id+":"+staged); err != nil {
		return err
	}
	if _, err := i.Exec(ctx, []string{"mkdir", "-m", "0777", "-p", path.Dir(destination)}); err != nil {
		return err
	}
	if staged == destination {
		return nil
	}
	_, err := i.Exec(ctx, []string{"mv", staged, destination})
	return err
}

func (i *JujuInstance) PullFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(source) {
		return fmt.Errorf("source %q must be an absolute path", source)
	}
	staged := path.Join(jujuStaging, path.Base(source))

	if staged != source {
		if _, err := i.Exec(ctx, []string{"cp", source, staged}); err != nil {
			return err
		}
	}
	if _, err := i.Exec(ctx, []string{"chown", "ubuntu:ubuntu", staged}); err != nil {
		return err
	}
	_, err := i.harness.juju(ctx, "scp", i.id+":"+staged, destination)
	return err
}
