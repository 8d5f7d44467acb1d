package cmd

import (
	"github.com/spf13/cobra"

	"github.com/canonical/k8s-test-harness/pkg/version"
)

// NewHarnessCmd creates a new root command for the harness CLI.
func NewHarnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "k8s-test-harness",
		Short: "CLI to provision Kubernetes test instances",
		Long: `Provisions instances running the k8s snap on a substrate (local, lxd, multipass, juju)
or a KIND cluster, and runs commands against them.
`,
		SilenceUsage: true,
		Example: `  # Provision an instance, run the configured commands and remove it.
  k8s-test-harness run

  # Provision an instance and leave it running.
  k8s-test-harness up --substrate multipass

  # List the ROCKs handed to the tests.
  k8s-test-harness rocks

  # View k8s-test-harness version
  k8s-test-harness version
`,
		Version: version.Get().GitVersion,
	}

	cmd.PersistentFlags().String("config", "", "Path to the harness configuration file (default: k8s-test-harness.yaml when present).")
	cmd.PersistentFlags().Bool("debug", false, "Log every command run on the host.")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newUpCmd())
	cmd.AddCommand(newRocksCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}
