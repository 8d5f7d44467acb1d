package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/fixture"
	"github.com/canonical/k8s-test-harness/pkg/harness"
	"github.com/canonical/k8s-test-harness/pkg/k8sutil"
)

// harnessOpts are passed to every harness the commands build.
var harnessOpts []harness.Option

var (
	runExample = `  Provision an instance as configured by k8s-test-harness.yaml, run its commands and remove it:
    k8s-test-harness run

  Run additional commands against a multipass instance:
    k8s-test-harness run --substrate multipass "k8s status" "k8s kubectl get pods -A"

  Keep the instance for debugging:
    k8s-test-harness run --skip-cleanup
`
	upExample = `  Provision an lxd instance and write its kubeconfig:
    k8s-test-harness up --substrate lxd --kubeconfig ./kubeconfig
`
)

// newRunCmd creates the run command for the CLI
func newRunCmd() *cobra.Command {
	opts := harnessOptions{}

	runCmd := &cobra.Command{
		Use:   "run [flags] [command]...",
		Short: "Provision an instance, run commands against it and remove it.",
		Long: `Provisions an instance on the configured substrate, bootstraps Kubernetes on it,
runs the configured commands followed by the commands given as arguments and removes
the instance unless --skip-cleanup is set.`,
		Example: runExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := opts.load(cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			for _, arg := range args {
				cfg.Commands = append(cfg.Commands, v1beta1.Command{Command: arg})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger := newLogger(cmd)
			mod, err := fixture.Setup(ctx, cfg, logger, harnessOpts...)
			if err != nil {
				return err
			}

			_, runErr := mod.Instance(ctx)
			return errors.Join(runErr, mod.Teardown(context.WithoutCancel(ctx)))
		},
	}

	opts.addFlags(runCmd.Flags())
	harness.SetFlags(runCmd.Flags())

	return runCmd
}

// newUpCmd creates the up command for the CLI
func newUpCmd() *cobra.Command {
	opts := harnessOptions{}
	kubeconfig := ""

	upCmd := &cobra.Command{
		Use:   "up [flags]",
		Short: "Provision an instance and leave it running.",
		Long: `Provisions an instance on the configured substrate, bootstraps Kubernetes on it and
runs the configured commands. The instance is left running and has to be removed
with the substrate's own tooling.`,
		Example: upExample,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := opts.load(cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			cfg.SkipCleanup = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger := newLogger(cmd)
			mod, err := fixture.Setup(ctx, cfg, logger, harnessOpts...)
			if err != nil {
				return err
			}
			inst, err := mod.Instance(ctx)
			if err != nil {
				return err
			}

			if kubeconfig != "" {
				data, err := k8sutil.Kubeconfig(ctx, inst)
				if err != nil {
					return err
				}
				if err := os.WriteFile(kubeconfig, data, 0600); err != nil {
					return fmt.Errorf("writing kubeconfig: %w", err)
				}
				logger.Logf("to connect to the cluster, run: export KUBECONFIG=%q", kubeconfig)
			}

			fmt.Fprintln(cmd.OutOrStdout(), inst.ID())
			return nil
		},
	}

	opts.addFlags(upCmd.Flags())
	upCmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Path to write the admin kubeconfig of the instance to.")
	harness.SetFlags(upCmd.Flags())

	return upCmd
}
