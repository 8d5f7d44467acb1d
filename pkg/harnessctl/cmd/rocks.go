package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canonical/k8s-test-harness/pkg/rocks"
)

var (
	rocksExample = `  # List every ROCK build handed to the tests
  k8s-test-harness rocks

  # Show the newest build of a ROCK for this machine's architecture
  k8s-test-harness rocks pause --latest`
)

// newRocksCmd returns a new initialized instance of the rocks sub command
func newRocksCmd() *cobra.Command {
	variable := rocks.DefaultMetadataEnv
	arch := ""
	latest := false

	rocksCmd := &cobra.Command{
		Use:     "rocks [name]",
		Short:   "List the ROCK builds handed to the tests.",
		Long:    `Lists the ROCK builds read from the build metadata environment variable, optionally only those of the named ROCK.`,
		Example: rocksExample,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			builds, err := rocks.FromEnv(variable)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case latest && len(args) == 0:
				return errors.New("--latest requires a ROCK name")
			case latest:
				if arch == "" {
					if arch, err = rocks.CurrentPlatformArchitecture(); err != nil {
						return err
					}
				}
				m, err := builds.LatestForRock(args[0], arch)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, m)
			case len(args) == 1:
				for _, m := range builds.ForRock(args[0]) {
					fmt.Fprintln(out, m)
				}
			default:
				for _, m := range builds.All() {
					fmt.Fprintln(out, m)
				}
			}
			return nil
		},
	}

	rocksCmd.Flags().StringVar(&variable, "env", rocks.DefaultMetadataEnv, "Environment variable holding the ROCK build metadata.")
	rocksCmd.Flags().StringVar(&arch, "arch", "", "Architecture for --latest (default: the current platform).")
	rocksCmd.Flags().BoolVar(&latest, "latest", false, "Only show the build of the named ROCK with the highest version.")
	return rocksCmd
}
