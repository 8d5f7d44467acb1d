package k8sutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/canonical/k8s-test-harness/pkg/harness"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

type reply struct {
	prefix   string
	exitCode int
	stdout   string
	// times limits how often the reply is used, 0 means always.
	times int
}

// fakeInstance answers commands with the first reply whose prefix matches.
type fakeInstance struct {
	id      string
	replies []*reply
	calls   []string
}

func (f *fakeInstance) ID() string { return f.id }

func (f *fakeInstance) Exec(_ context.Context, args []string, opts ...harness.ExecOption) (*harness.ExecResult, error) {
	o := harness.NewExecOptions(opts...)
	joined := strings.Join(args, " ")
	f.calls = append(f.calls, joined)

	res := &harness.ExecResult{Args: args}
	for _, r := range f.replies {
		if !strings.HasPrefix(joined, r.prefix) {
			continue
		}
		if r.times < 0 {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				r.times = -1
			}
		}
		res.ExitCode = r.exitCode
		res.Stdout = []byte(r.stdout)
		break
	}
	if res.ExitCode != 0 && o.Check {
		return res, &harness.ExecError{Result: res}
	}
	return res, nil
}

func (f *fakeInstance) SendFile(context.Context, string, string) error { return nil }

func (f *fakeInstance) PullFile(context.Context, string, string) error { return nil }

type kindInstance struct {
	fakeInstance
}

func (k *kindInstance) Kubectl() []string {
	return []string{"kubectl", "--kubeconfig=/etc/kubernetes/admin.conf"}
}

func fastRetries(t *testing.T) {
	origNode, origRes := NodeReadyDelay, ResourceDelay
	NodeReadyDelay, ResourceDelay = time.Millisecond, time.Millisecond
	t.Cleanup(func() { NodeReadyDelay, ResourceDelay = origNode, origRes })
}

func TestSnapCommands(t *testing.T) {
	inst := &fakeInstance{id: "node-1"}
	logger := testutils.NewTestLogger(t, "")

	require.NoError(t, SetupSnap(context.TODO(), inst, "1.32-classic/stable", logger))
	require.NoError(t, Bootstrap(context.TODO(), inst, "/home/ubuntu/bootstrap-session.yaml"))
	require.NoError(t, Bootstrap(context.TODO(), inst, ""))
	require.NoError(t, JoinCluster(context.TODO(), inst, "token"))
	require.NoError(t, PurgeSnap(context.TODO(), inst, logger))

	assert.Equal(t, []string{
		"snap install k8s --classic --channel 1.32-classic/stable",
		"k8s bootstrap --file /home/ubuntu/bootstrap-session.yaml",
		"k8s bootstrap",
		"k8s join-cluster token",
		"sudo snap remove k8s --purge",
	}, inst.calls)
}

func TestWaitUntilReady(t *testing.T) {
	fastRetries(t)
	logger := testutils.NewTestLogger(t, "")

	control := &fakeInstance{id: "cp", replies: []*reply{
		{prefix: "hostname", stdout: "cp-host\n"},
		{prefix: "k8s kubectl get node cp-host", stdout: "cp-host   NotReady   control-plane", times: 2},
		{prefix: "k8s kubectl get node cp-host", stdout: "cp-host   Ready   control-plane"},
	}}

	require.NoError(t, WaitUntilReady(context.TODO(), control, []harness.Instance{control}, logger))
	assert.Equal(t, 4, len(control.calls))
	assert.Equal(t, "k8s kubectl get node cp-host --no-headers", control.calls[1])
}

func TestWaitUntilReadyGivesUp(t *testing.T) {
	fastRetries(t)
	origRetries := NodeReadyRetries
	NodeReadyRetries = 3
	defer func() { NodeReadyRetries = origRetries }()

	control := &fakeInstance{id: "cp", replies: []*reply{
		{prefix: "hostname", stdout: "cp-host\n"},
		{prefix: "k8s kubectl get node", stdout: "cp-host   NotReady   control-plane"},
	}}

	err := WaitUntilReady(context.TODO(), control, []harness.Instance{control}, testutils.NewTestLogger(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cp-host")
	assert.Equal(t, 4, len(control.calls))
}

func TestWaitForNetworkAndDNS(t *testing.T) {
	fastRetries(t)
	logger := testutils.NewTestLogger(t, "")

	snap := &fakeInstance{id: "node"}
	require.NoError(t, WaitForNetwork(context.TODO(), snap, logger))
	require.NoError(t, WaitForDNS(context.TODO(), snap, logger))
	assert.Equal(t, []string{"k8s x-wait-for network", "k8s x-wait-for dns"}, snap.calls)

	kind := &kindInstance{fakeInstance{id: "kind"}}
	require.NoError(t, WaitForNetwork(context.TODO(), kind, logger))
	require.NoError(t, WaitForDNS(context.TODO(), kind, logger))
	assert.Equal(t, []string{
		"kubectl --kubeconfig=/etc/kubernetes/admin.conf rollout status --namespace kube-system daemonset.apps kindnet --timeout 60s",
		"kubectl --kubeconfig=/etc/kubernetes/admin.conf wait --namespace kube-system --for=condition=Available deployment.apps coredns --timeout 60s",
	}, kind.calls)
}

func TestWaitForResourceRetries(t *testing.T) {
	fastRetries(t)

	inst := &fakeInstance{id: "node", replies: []*reply{
		{prefix: "k8s kubectl wait", exitCode: 1, times: 2},
	}}
	require.NoError(t, WaitForDeployment(context.TODO(), inst, "metrics-server", NamespaceKubeSystem, ConditionAvailable))
	assert.Len(t, inst.calls, 3)

	inst = &fakeInstance{id: "node", replies: []*reply{{prefix: "k8s kubectl rollout", exitCode: 1}}}
	assert.Error(t, WaitForDaemonSet(context.TODO(), inst, "cilium", NamespaceKubeSystem))
	assert.Len(t, inst.calls, ResourceRetries)
}

const nodesJSON = `{
  "apiVersion": "v1",
  "kind": "List",
  "items": [
    {"metadata": {"name": "healthy"}, "status": {"conditions": [
      {"type": "MemoryPressure", "status": "False"},
      {"type": "Ready", "status": "True"}
    ]}},
    {"metadata": {"name": "pressured"}, "status": {"conditions": [
      {"type": "DiskPressure", "status": "True"},
      {"type": "Ready", "status": "True"}
    ]}},
    {"metadata": {"name": "unknown"}, "status": {"conditions": [
      {"type": "PIDPressure", "status": "Unknown"}
    ]}}
  ]
}`

func TestGetNodesAndReadyNodes(t *testing.T) {
	inst := &fakeInstance{id: "cp", replies: []*reply{{prefix: "k8s kubectl get nodes -o json", stdout: nodesJSON}}}

	nodes, err := GetNodes(context.TODO(), inst)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	ready, err := ReadyNodes(context.TODO(), inst)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "healthy", ready[0].Name)
}

func TestGetNodesRejectsNonList(t *testing.T) {
	inst := &fakeInstance{id: "cp", replies: []*reply{{prefix: "k8s kubectl get nodes", stdout: `{"kind": "Node", "items": []}`}}}
	_, err := GetNodes(context.TODO(), inst)
	assert.Error(t, err)
}

func TestStatusHelpers(t *testing.T) {
	inst := &fakeInstance{id: "node-2", replies: []*reply{
		{prefix: "hostname", stdout: "node-2\n"},
		{prefix: "k8s local-node-status", stdout: "  control-plane ready \n"},
		{prefix: "k8s get-join-token", stdout: "secret-token\n"},
	}}

	host, err := Hostname(context.TODO(), inst)
	require.NoError(t, err)
	assert.Equal(t, "node-2", host)

	status, err := LocalNodeStatus(context.TODO(), inst)
	require.NoError(t, err)
	assert.Equal(t, "control-plane ready", status)

	joining := &fakeInstance{id: "node-3"}
	token, err := GetJoinToken(context.TODO(), inst, joining, "--worker")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
	assert.Equal(t, "k8s get-join-token node-3 --worker", inst.calls[len(inst.calls)-1])
}

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://10.0.0.1:6443
  name: k8s
contexts:
- context:
    cluster: k8s
    user: admin
  name: k8s
current-context: k8s
users:
- name: admin
  user:
    token: abc
`

func TestRESTConfig(t *testing.T) {
	inst := &fakeInstance{id: "cp", replies: []*reply{{prefix: "k8s config", stdout: kubeconfig}}}

	cfg, err := RESTConfig(context.TODO(), inst)
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1:6443", cfg.Host)
	assert.Equal(t, "abc", cfg.BearerToken)
}

func TestWaitForServiceAccount(t *testing.T) {
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: "default"}}
	c := fake.NewClientBuilder().WithObjects(sa).Build()

	require.NoError(t, WaitForServiceAccount(context.TODO(), c, "default", "default", time.Second))
	assert.Error(t, WaitForServiceAccount(context.TODO(), c, "missing", "default", time.Second))
}
