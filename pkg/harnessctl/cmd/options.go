package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/config"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// harnessOptions holds the flags shared by the commands that provision an instance.
type harnessOptions struct {
	substrate       substrateValue
	snapChannel     string
	skipCleanup     bool
	manifestsDir    string
	bootstrapConfig string
	artifactsDir    string
	timeout         int
}

func (o *harnessOptions) addFlags(flags *pflag.FlagSet) {
	flags.Var(&o.substrate, "substrate", "Substrate hosting the test instance, one of local, lxd, multipass, juju, kind (default: lxd).")
	flags.StringVar(&o.snapChannel, "snap-channel", "", "Channel the k8s snap is installed from (default: latest/edge).")
	flags.BoolVar(&o.skipCleanup, "skip-cleanup", false, "If set, do not remove the instance when done.")
	flags.StringVar(&o.manifestsDir, "manifests-dir", "", "Directory holding manifests and the bootstrap configuration (default: templates).")
	flags.StringVar(&o.bootstrapConfig, "bootstrap-config", "", "Bootstrap configuration pushed to the instance, relative to --manifests-dir.")
	flags.StringVar(&o.artifactsDir, "artifacts-dir", "", "Directory to output kind logs to.")
	flags.IntVar(&o.timeout, "timeout", 30, "The timeout to use as default for commands (in seconds).")
}

// load reads the configuration file and overrides it with any command line flags that are set.
func (o *harnessOptions) load(flags *pflag.FlagSet, configPath string) (*v1beta1.TestHarness, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if isSet(flags, "substrate") {
		cfg.Substrate = o.substrate.AsSubstrate()
	}
	if isSet(flags, "snap-channel") {
		cfg.SnapChannel = o.snapChannel
	}
	if isSet(flags, "skip-cleanup") {
		cfg.SkipCleanup = o.skipCleanup
	}
	if isSet(flags, "manifests-dir") {
		cfg.ManifestsDir = o.manifestsDir
	}
	if isSet(flags, "bootstrap-config") {
		cfg.BootstrapConfig = o.bootstrapConfig
	}
	if isSet(flags, "artifacts-dir") {
		cfg.ArtifactsDir = o.artifactsDir
	}
	if isSet(flags, "timeout") {
		cfg.Timeout = o.timeout
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// isSet returns true if a flag is set on the command line.
func isSet(flagSet *pflag.FlagSet, name string) bool {
	found := false

	flagSet.Visit(func(flag *pflag.Flag) {
		if flag.Name == name {
			found = true
		}
	})

	return found
}

func newLogger(cmd *cobra.Command) testutils.Logger {
	level := logrus.InfoLevel
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = logrus.DebugLevel
	}
	return testutils.NewLogrusLogger(cmd.ErrOrStderr(), level)
}
