package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canonical/k8s-test-harness/pkg/version"
)

var (
	versionExample = `  # Print the current installed k8s-test-harness version
  k8s-test-harness version`
)

// newVersionCmd returns a new initialized instance of the version sub command
func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Print the current k8s-test-harness version.",
		Long:    `Print the current installed k8s-test-harness version.`,
		Example: versionExample,
		RunE:    VersionCmd,
	}

	return versionCmd
}

// VersionCmd performs the version sub command
func VersionCmd(cmd *cobra.Command, _ []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "k8s-test-harness Version: %#v\n", version.Get())
	return nil
}
