package v1beta1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// GroupVersion of the harness configuration file.
const GroupVersion = "k8s-test-harness.canonical.com/v1beta1"

// Kind of the harness configuration object.
const Kind = "TestHarness"

// Substrate names the backend that hosts test clusters.
type Substrate string

const (
	// SubstrateLocal runs everything on the host executing the tests.
	SubstrateLocal Substrate = "local"
	// SubstrateLXD provisions LXD containers or virtual machines.
	SubstrateLXD Substrate = "lxd"
	// SubstrateMultipass provisions multipass virtual machines.
	SubstrateMultipass Substrate = "multipass"
	// SubstrateJuju provisions machines in a juju model.
	SubstrateJuju Substrate = "juju"
	// SubstrateKind provisions a KIND cluster. Kubernetes is already running on its nodes.
	SubstrateKind Substrate = "kind"
)

// Substrates lists every supported substrate.
var Substrates = []Substrate{SubstrateLocal, SubstrateLXD, SubstrateMultipass, SubstrateJuju, SubstrateKind}

// Defaults applied by the config loader.
const (
	DefaultSubstrate             = SubstrateLXD
	DefaultSnapChannel           = "latest/edge"
	DefaultManifestsDir          = "templates"
	DefaultRemoteBootstrapConfig = "/home/ubuntu/bootstrap-session.yaml"
	DefaultTimeout               = 30
	DefaultLXDImage              = "ubuntu:22.04"
	DefaultLXDProfileName        = "k8s-integration"
	DefaultMultipassImage        = "22.04"
	DefaultMultipassCPUs         = 2
	DefaultMultipassMemory       = "4G"
	DefaultMultipassDisk         = "20G"
	DefaultJujuBase              = "ubuntu@22.04"
	DefaultJujuConstraints       = "mem=4G cores=2 root-disk=20G"
	DefaultJujuMachineTimeout    = 600
	DefaultKINDWaitForReady      = 120
)

// TestHarness configures how test clusters are provisioned.
type TestHarness struct {
	// The type meta object, should always be a GVK of k8s-test-harness.canonical.com/v1beta1/TestHarness.
	metav1.TypeMeta `json:",inline"`
	// Set labels or the harness name.
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Substrate hosting the test cluster. One of local, lxd, multipass, juju, kind.
	Substrate Substrate `json:"substrate"`
	// Snap channel the k8s snap is installed from.
	SnapChannel string `json:"snapChannel"`
	// If set, instances are left running after the tests.
	SkipCleanup bool `json:"skipCleanup"`
	// Directory holding manifests and bootstrap configuration.
	ManifestsDir string `json:"manifestsDir"`
	// Bootstrap configuration pushed to the instance before `k8s bootstrap`.
	// Relative paths are resolved against ManifestsDir. Empty means bootstrap with defaults.
	BootstrapConfig string `json:"bootstrapConfig"`
	// Path on the instance the bootstrap configuration is pushed to.
	RemoteBootstrapConfig string `json:"remoteBootstrapConfig"`
	// Default timeout for commands (in seconds). Zero uses DefaultTimeout.
	Timeout int `json:"timeout"`
	// The directory to output artifacts (kind logs) to.
	ArtifactsDir string `json:"artifactsDir"`
	// Commands to run against the bootstrapped instance.
	Commands []Command `json:"commands"`

	LXD       LXDConfig       `json:"lxd"`
	Multipass MultipassConfig `json:"multipass"`
	Juju      JujuConfig      `json:"juju"`
	KIND      KINDConfig      `json:"kind"`
}

// LXDConfig configures the lxd substrate.
type LXDConfig struct {
	// Image used by `lxc launch`.
	Image string `json:"image"`
	// Name of the profile applied to every instance.
	ProfileName string `json:"profileName"`
	// Path to a profile YAML the profile is created from. Empty keeps the profile as is.
	Profile string `json:"profile"`
	// If set, instances are launched as virtual machines.
	VM bool `json:"vm"`
}

// MultipassConfig configures the multipass substrate.
type MultipassConfig struct {
	Image  string `json:"image"`
	CPUs   int    `json:"cpus"`
	Memory string `json:"memory"`
	Disk   string `json:"disk"`
}

// JujuConfig configures the juju substrate.
type JujuConfig struct {
	// Model machines are added to. Empty uses the current model.
	Model       string `json:"model"`
	Base        string `json:"base"`
	Constraints string `json:"constraints"`
	// How long to wait for a machine to start (in seconds).
	MachineTimeout int `json:"machineTimeout"`
}

// KINDConfig configures the kind substrate.
type KINDConfig struct {
	// Path to the KIND configuration file to use.
	Config string `json:"config"`
	// Node image override.
	NodeImage string `json:"nodeImage"`
	// If set, each node has a docker named volume mounted to persist pulled images across runs.
	NodeCache bool `json:"nodeCache"`
	// Containers to load to each KIND node after the cluster is created.
	Containers []string `json:"containers"`
	// How long to wait for the control plane to become ready (in seconds).
	WaitForReady int `json:"waitForReady"`
}

// Command describes a command to run against a harness instance.
type Command struct {
	// The command and argument to run as a string.
	Command string `json:"command"`
	// If set, the `--namespace` flag is appended to the command with the namespace to use.
	Namespaced bool `json:"namespaced"`
	// Shell script to run instead of a command. Namespaced is not allowed with a script.
	Script string `json:"script"`
	// If set, non-zero exits are ignored. Failures to start the command are NOT ignored.
	IgnoreFailure bool `json:"ignoreFailure"`
	// Override the harness timeout for this command (in seconds). Negative means no timeout.
	Timeout int `json:"timeout"`
	// If set, the output from the command is NOT logged.
	SkipLogOutput bool `json:"skipLogOutput"`
}
