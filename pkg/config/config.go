// Package config loads the TestHarness configuration from a YAML file and the
// TEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"sigs.k8s.io/yaml"

	"github.com/canonical/k8s-test-harness/internal/env"
	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/harness"
)

// DefaultPath is the configuration file picked up when no path is given.
const DefaultPath = "k8s-test-harness.yaml"

// Environment variables overriding the configuration file.
const (
	EnvSubstrate          = "TEST_SUBSTRATE"
	EnvSkipCleanup        = "TEST_SKIP_CLEANUP"
	EnvSnapChannel        = "TEST_SNAP_CHANNEL"
	EnvManifestsDir       = "TEST_MANIFESTS_DIR"
	EnvBootstrapConfig    = "TEST_BOOTSTRAP_CONFIG"
	EnvArtifactsDir       = "TEST_ARTIFACTS_DIR"
	EnvLXDImage           = "TEST_LXD_IMAGE"
	EnvLXDProfile         = "TEST_LXD_PROFILE"
	EnvLXDProfileName     = "TEST_LXD_PROFILE_NAME"
	EnvLXDVM              = "TEST_LXD_VM"
	EnvMultipassImage     = "TEST_MULTIPASS_IMAGE"
	EnvMultipassCPUs      = "TEST_MULTIPASS_CPUS"
	EnvMultipassMemory    = "TEST_MULTIPASS_MEMORY"
	EnvMultipassDisk      = "TEST_MULTIPASS_DISK"
	EnvJujuModel          = "TEST_JUJU_MODEL"
	EnvJujuBase           = "TEST_JUJU_BASE"
	EnvJujuConstraints    = "TEST_JUJU_CONSTRAINTS"
	EnvJujuMachineTimeout = "TEST_JUJU_MACHINE_TIMEOUT"
	EnvKINDConfig         = "TEST_KIND_CONFIG"
	EnvKINDNodeImage      = "TEST_KIND_NODE_IMAGE"
)

// Load reads the configuration at path, then applies defaults and environment
// overrides and validates the result. An empty path loads DefaultPath when it
// exists and starts from an empty configuration otherwise.
func Load(path string) (*v1beta1.TestHarness, error) {
	cfg := &v1beta1.TestHarness{}

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
	}

	SetDefaults(cfg)
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse strictly decodes a TestHarness document. Unknown fields are an error.
func Parse(data []byte) (*v1beta1.TestHarness, error) {
	cfg := &v1beta1.TestHarness{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Kind != "" && cfg.Kind != v1beta1.Kind {
		return nil, fmt.Errorf("unknown object type: %s", cfg.Kind)
	}
	if cfg.APIVersion != "" && cfg.APIVersion != v1beta1.GroupVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q, expected %q", cfg.APIVersion, v1beta1.GroupVersion)
	}
	return cfg, nil
}

// SetDefaults fills every unset field with its default.
func SetDefaults(cfg *v1beta1.TestHarness) {
	setString(&cfg.APIVersion, v1beta1.GroupVersion)
	setString(&cfg.Kind, v1beta1.Kind)
	if cfg.Substrate == "" {
		cfg.Substrate = v1beta1.DefaultSubstrate
	}
	setString(&cfg.SnapChannel, v1beta1.DefaultSnapChannel)
	setString(&cfg.ManifestsDir, v1beta1.DefaultManifestsDir)
	setString(&cfg.RemoteBootstrapConfig, v1beta1.DefaultRemoteBootstrapConfig)
	if cfg.Timeout == 0 {
		cfg.Timeout = v1beta1.DefaultTimeout
	}

	setString(&cfg.LXD.Image, v1beta1.DefaultLXDImage)
	setString(&cfg.LXD.ProfileName, v1beta1.DefaultLXDProfileName)

	setString(&cfg.Multipass.Image, v1beta1.DefaultMultipassImage)
	if cfg.Multipass.CPUs == 0 {
		cfg.Multipass.CPUs = v1beta1.DefaultMultipassCPUs
	}
	setString(&cfg.Multipass.Memory, v1beta1.DefaultMultipassMemory)
	setString(&cfg.Multipass.Disk, v1beta1.DefaultMultipassDisk)

	setString(&cfg.Juju.Base, v1beta1.DefaultJujuBase)
	setString(&cfg.Juju.Constraints, v1beta1.DefaultJujuConstraints)
	if cfg.Juju.MachineTimeout == 0 {
		cfg.Juju.MachineTimeout = v1beta1.DefaultJujuMachineTimeout
	}

	if cfg.KIND.WaitForReady == 0 {
		cfg.KIND.WaitForReady = v1beta1.DefaultKINDWaitForReady
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// ApplyEnv overrides configuration fields from the TEST_* variables that are set.
func ApplyEnv(cfg *v1beta1.TestHarness) error {
	substrate := string(cfg.Substrate)
	env.String(EnvSubstrate, &substrate)
	cfg.Substrate = v1beta1.Substrate(substrate)

	env.String(EnvSnapChannel, &cfg.SnapChannel)
	env.String(EnvManifestsDir, &cfg.ManifestsDir)
	env.String(EnvBootstrapConfig, &cfg.BootstrapConfig)
	env.String(EnvArtifactsDir, &cfg.ArtifactsDir)
	env.String(EnvLXDImage, &cfg.LXD.Image)
	env.String(EnvLXDProfile, &cfg.LXD.Profile)
	env.String(EnvLXDProfileName, &cfg.LXD.ProfileName)
	env.String(EnvMultipassImage, &cfg.Multipass.Image)
	env.String(EnvMultipassMemory, &cfg.Multipass.Memory)
	env.String(EnvMultipassDisk, &cfg.Multipass.Disk)
	env.String(EnvJujuModel, &cfg.Juju.Model)
	env.String(EnvJujuBase, &cfg.Juju.Base)
	env.String(EnvJujuConstraints, &cfg.Juju.Constraints)
	env.String(EnvKINDConfig, &cfg.KIND.Config)
	env.String(EnvKINDNodeImage, &cfg.KIND.NodeImage)

	return errors.Join(
		env.Bool(EnvSkipCleanup, &cfg.SkipCleanup),
		env.Bool(EnvLXDVM, &cfg.LXD.VM),
		env.Int(EnvMultipassCPUs, &cfg.Multipass.CPUs),
		env.Int(EnvJujuMachineTimeout, &cfg.Juju.MachineTimeout),
	)
}

// Validate reports every problem with cfg at once.
func Validate(cfg *v1beta1.TestHarness) error {
	var errs []error

	if err := harness.ValidateSubstrate(cfg.Substrate); err != nil {
		errs = append(errs, err)
	}
	if cfg.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %d", cfg.Timeout))
	}
	if cfg.Multipass.CPUs < 1 {
		errs = append(errs, fmt.Errorf("multipass cpus must be positive, got %d", cfg.Multipass.CPUs))
	}
	for _, size := range []struct{ name, value string }{
		{"multipass memory", cfg.Multipass.Memory},
		{"multipass disk", cfg.Multipass.Disk},
	} {
		if _, err := humanize.ParseBytes(size.value); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", size.name, size.value, err))
		}
	}
	if cfg.Juju.MachineTimeout < 0 {
		errs = append(errs, fmt.Errorf("juju machine timeout must not be negative, got %d", cfg.Juju.MachineTimeout))
	}
	if cfg.KIND.WaitForReady < 0 {
		errs = append(errs, fmt.Errorf("kind wait for ready must not be negative, got %d", cfg.KIND.WaitForReady))
	}
	for i, cmd := range cfg.Commands {
		if (cmd.Command == "") == (cmd.Script == "") {
			errs = append(errs, fmt.Errorf("commands[%d]: exactly one of command and script must be set", i))
		}
		if cmd.Script != "" && cmd.Namespaced {
			errs = append(errs, fmt.Errorf("commands[%d]: namespaced is not allowed with a script", i))
		}
	}
	return errors.Join(errs...)
}
