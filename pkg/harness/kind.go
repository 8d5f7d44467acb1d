package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/alessio/shellescape"
	"gopkg.in/yaml.v2"
	"k8s.io/apimachinery/pkg/version"
	"sigs.k8s.io/kind/pkg/apis/config/v1alpha4"
	"sigs.k8s.io/kind/pkg/cluster"
	"sigs.k8s.io/kind/pkg/cluster/constants"
	"sigs.k8s.io/kind/pkg/cluster/nodes"
	"sigs.k8s.io/kind/pkg/cluster/nodeutils"
	kindexec "sigs.k8s.io/kind/pkg/exec"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/docker"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// kindAdminKubeconfig is where kubeadm writes the admin kubeconfig on control plane nodes.
const kindAdminKubeconfig = "/etc/kubernetes/admin.conf"

// kindProvider is the subset of *cluster.Provider the harness uses.
type kindProvider interface {
	Create(name string, options ...cluster.CreateOption) error
	Delete(name, explicitKubeconfigPath string) error
	List() ([]string, error)
	ListNodes(name string) ([]nodes.Node, error)
	KubeConfig(name string, internal bool) (string, error)
	CollectLogs(name, dir string) error
}

// KINDHarness runs each instance as a KIND cluster on the local docker engine.
// The instance is the control plane node; Kubernetes is already running on it.
type KINDHarness struct {
	cfg          v1beta1.KINDConfig
	artifactsDir string
	provider     kindProvider
	logger       testutils.Logger

	docker    docker.DockerClient
	instances tracker
}

// NewKINDHarness creates a harness using the kind library with its default provider detection.
func NewKINDHarness(cfg v1beta1.KINDConfig, artifactsDir string, logger testutils.Logger) *KINDHarness {
	provider := cluster.NewProvider(cluster.ProviderWithLogger(&kindLogger{logger}))
	return &KINDHarness{cfg: cfg, artifactsDir: artifactsDir, provider: provider, logger: logger}
}

func (h *KINDHarness) Name() string {
	return string(v1beta1.SubstrateKind)
}

func (h *KINDHarness) dockerClient(ctx context.Context) (docker.DockerClient, error) {
	if h.docker != nil {
		return h.docker, nil
	}
	cli, err := docker.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	h.docker = cli
	return h.docker, nil
}

func (h *KINDHarness) kubeconfigPath(name string) string {
	return filepath.Join(os.TempDir(), name+".kubeconfig")
}

func (h *KINDHarness) NewInstance(ctx context.Context) (Instance, error) {
	name := newInstanceName()

	kindCfg := &v1alpha4.Cluster{}
	if h.cfg.Config != "" {
		var err error
		if kindCfg, err = h.loadKindConfig(h.cfg.Config); err != nil {
			return nil, harnessErr(h.Name(), "load kind config", err)
		}
	}
	if h.cfg.NodeCache {
		if err := h.addNodeCaches(ctx, name, kindCfg); err != nil {
			return nil, harnessErr(h.Name(), "create node caches", err)
		}
	}

	opts := []cluster.CreateOption{
		cluster.CreateWithV1Alpha4Config(kindCfg),
		cluster.CreateWithKubeconfigPath(h.kubeconfigPath(name)),
		cluster.CreateWithRetain(true),
		cluster.CreateWithWaitForReady(time.Duration(h.cfg.WaitForReady) * time.Second),
	}
	if h.cfg.NodeImage != "" {
		opts = append(opts, cluster.CreateWithNodeImage(h.cfg.NodeImage))
	}

	h.logger.Logf("creating kind cluster %s", name)
	// Tracked before creation so retained nodes of a failed create are cleaned up.
	h.instances.add(name)
	if err := h.provider.Create(name, opts...); err != nil {
		return nil, harnessErr(h.Name(), "create cluster", err)
	}

	clusterNodes, err := h.provider.ListNodes(name)
	if err != nil {
		return nil, harnessErr(h.Name(), "list nodes", err)
	}

	if len(h.cfg.Containers) > 0 {
		if err := h.addContainers(ctx, clusterNodes); err != nil {
			return nil, harnessErr(h.Name(), "load containers", err)
		}
	}

	controlPlane, err := controlPlaneNode(clusterNodes)
	if err != nil {
		return nil, harnessErr(h.Name(), "find control plane", err)
	}

	return &KINDInstance{cluster: name, node: controlPlane, harness: h}, nil
}

// addNodeCaches mounts a docker volume as containerd storage of every node.
func (h *KINDHarness) addNodeCaches(ctx context.Context, name string, kindCfg *v1alpha4.Cluster) error {
	cli, err := h.dockerClient(ctx)
	if err != nil {
		return err
	}

	// add a default node if there are none specified.
	if len(kindCfg.Nodes) == 0 {
		kindCfg.Nodes = append(kindCfg.Nodes, v1alpha4.Node{})
	}

	for index := range kindCfg.Nodes {
		vol, err := docker.CreateVolume(ctx, cli, fmt.Sprintf("%s-%d", name, index), map[string]string{"app": instancePrefix})
		if err != nil {
			return err
		}

		h.logger.Logf("node %d mount point %s", index, vol.Mountpoint)
		kindCfg.Nodes[index].ExtraMounts = append(kindCfg.Nodes[index].ExtraMounts, v1alpha4.Mount{
			ContainerPath: "/var/lib/containerd",
			HostPath:      vol.Mountpoint,
		})
	}
	return nil
}

// addContainers loads the configured images from the local docker engine into every node.
func (h *KINDHarness) addContainers(ctx context.Context, clusterNodes []nodes.Node) error {
	cli, err := h.dockerClient(ctx)
	if err != nil {
		return err
	}

	for _, node := range clusterNodes {
		for _, img := range h.cfg.Containers {
			h.logger.Logf("loading image %s to node %s", img, node.String())
			if err := loadImage(ctx, cli, node, img); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadImage(ctx context.Context, cli docker.DockerClient, node nodes.Node, img string) error {
	archive, err := docker.SaveImage(ctx, cli, img)
	if err != nil {
		return err
	}
	defer archive.Close()

	return nodeutils.LoadImageArchive(node, archive)
}

func controlPlaneNode(clusterNodes []nodes.Node) (nodes.Node, error) {
	for _, node := range clusterNodes {
		role, err := node.Role()
		if err != nil {
			return nil, err
		}
		if role == constants.ControlPlaneNodeRoleValue {
			return node, nil
		}
	}
	return nil, errors.New("cluster has no control plane node")
}

func (h *KINDHarness) loadKindConfig(path string) (*v1alpha4.Cluster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	kindCfg := &v1alpha4.Cluster{}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.SetStrict(true)

	if err := decoder.Decode(kindCfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if !IsMinVersion(kindCfg.APIVersion) {
		testutils.Warnf(h.logger, "%q in %s is not a supported version", kindCfg.APIVersion, path)
	}
	return kindCfg, nil
}

// IsMinVersion checks if pass ver is the min required kind version
func IsMinVersion(ver string) bool {
	minVersion := "kind.sigs.k8s.io/v1alpha4"
	comp := version.CompareKubeAwareVersionStrings(minVersion, ver)
	return comp != -1
}

// DeleteInstance collects the cluster logs into the artifacts directory, when
// one is configured, and deletes the cluster.
func (h *KINDHarness) DeleteInstance(ctx context.Context, id string) error {
	if !h.instances.has(id) {
		return harnessErr(h.Name(), "delete instance", fmt.Errorf("unknown instance %q", id))
	}

	if h.artifactsDir != "" {
		logDir := filepath.Join(h.artifactsDir, fmt.Sprintf("kind-logs-%s-%d", id, time.Now().Unix()))
		h.logger.Logf("collecting cluster logs to %s", logDir)
		if err := h.provider.CollectLogs(id, logDir); err != nil {
			testutils.Warnf(h.logger, "error collecting kind cluster logs: %v", err)
		}
	}

	h.logger.Logf("deleting kind cluster %s", id)
	if err := h.provider.Delete(id, h.kubeconfigPath(id)); err != nil {
		return harnessErr(h.Name(), "delete instance", err)
	}
	h.instances.remove(id)
	return nil
}

func (h *KINDHarness) Cleanup(ctx context.Context) error {
	return cleanupAll(ctx, h, h.instances.all())
}

// KINDInstance is the control plane node of a KIND cluster.
type KINDInstance struct {
	cluster string
	node    nodes.Node
	harness *KINDHarness
}

func (i *KINDInstance) ID() string {
	return i.cluster
}

// Exec runs args in the control plane node container.
func (i *KINDInstance) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ExecResult, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}
	o := NewExecOptions(opts...)

	command := args
	if o.Dir != "" {
		command = append([]string{"sh", "-c", `cd "$0" && exec "$@"`, o.Dir}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := i.node.CommandContext(ctx, command[0], command[1:]...).
		SetEnv(o.Env...).
		SetStdout(&stdout).
		SetStderr(&stderr)
	if o.Stdin != nil {
		cmd.SetStdin(o.Stdin)
	}

	err := cmd.Run()
	res := &ExecResult{Args: args, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var runErr *kindexec.RunError
	var exitErr *osexec.ExitError
	if !errors.As(err, &runErr) || !errors.As(runErr.Inner, &exitErr) {
		return res, fmt.Errorf("command %s on %s: %w", shellescape.QuoteCommand(args), i.node.String(), err)
	}
	res.ExitCode = exitErr.ExitCode()
	if o.Check {
		return res, &ExecError{Result: res}
	}
	return res, nil
}

func (i *KINDInstance) SendFile(ctx context.Context, source, destination string) error {
	if !path.IsAbs(destination) {
		return fmt.Errorf("destination %q must be an absolute path", destination)
	}
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := i.Exec(ctx, []string{"mkdir", "-p", path.Dir(destination)}); err != nil {
		return err
	}
	_, err = i.Exec(ctx, []string{"sh", "-c", "cat > " + shellescape.Quote(destination)}, WithStdin(f))
	return err
}

func (i *KINDInstance) PullFile(ctx context.Context, source, destination string) error {
	res, err := i.Exec(ctx, []string{"cat", source})
	if err != nil {
		return err
	}
	return os.WriteFile(destination, res.Stdout, 0o600)
}

// Kubectl runs kubectl shipped in the node image against the admin kubeconfig.
func (i *KINDInstance) Kubectl() []string {
	return []string{"kubectl", "--kubeconfig=" + kindAdminKubeconfig}
}

// Kubeconfig returns the external kubeconfig of the cluster.
func (i *KINDInstance) Kubeconfig(_ context.Context) ([]byte, error) {
	cfg, err := i.harness.provider.KubeConfig(i.cluster, false)
	if err != nil {
		return nil, harnessErr(i.harness.Name(), "kubeconfig", err)
	}
	return []byte(cfg), nil
}
