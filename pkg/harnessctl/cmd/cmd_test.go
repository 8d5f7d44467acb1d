package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/harness"
)

// chdir mirrors testing.T.Chdir (Go 1.24) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Setenv("PWD", dir)
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

// nodeRunner answers commands as a single ready node would.
type nodeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *nodeRunner) Run(_ context.Context, args []string, _ harness.ExecOptions) (*harness.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := strings.Join(args, " ")
	r.calls = append(r.calls, joined)

	res := &harness.ExecResult{Args: args}
	switch {
	case joined == "hostname":
		res.Stdout = []byte("node\n")
	case strings.HasPrefix(joined, "k8s kubectl get node"):
		res.Stdout = []byte("node   Ready   control-plane")
	case joined == "k8s config":
		res.Stdout = []byte("apiVersion: v1\nkind: Config\n")
	}
	return res, nil
}

func withRunner(t *testing.T) *nodeRunner {
	t.Helper()
	chdir(t, t.TempDir())
	runner := &nodeRunner{}
	orig := harnessOpts
	harnessOpts = []harness.Option{harness.WithRunner(runner)}
	t.Cleanup(func() { harnessOpts = orig })
	return runner
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewHarnessCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCmd(t *testing.T) {
	runner := withRunner(t)

	_, err := execute(t, "run", "--substrate", "local", "--snap-channel", "1.32-classic/stable", "k8s status --wait-ready")
	require.NoError(t, err)

	assert.Equal(t, "snap install k8s --classic --channel 1.32-classic/stable", runner.calls[0])
	assert.Contains(t, runner.calls, "k8s status --wait-ready")
	assert.Equal(t, "sudo snap remove k8s --purge", runner.calls[len(runner.calls)-1])
}

func TestRunCmdConfigFile(t *testing.T) {
	runner := withRunner(t)
	require.NoError(t, os.WriteFile("harness.yaml", []byte(`substrate: lxd
snapChannel: 1.31-classic/stable
commands:
- command: k8s kubectl get pods
  namespaced: true
`), 0600))

	// Flags take precedence over the file.
	_, err := execute(t, "run", "--config", "harness.yaml", "--substrate", "local")
	require.NoError(t, err)
	assert.Contains(t, runner.calls, "snap install k8s --classic --channel 1.31-classic/stable")
	assert.Contains(t, runner.calls, "k8s kubectl get pods --namespace default")
}

func TestRunCmdInvalidSubstrate(t *testing.T) {
	runner := withRunner(t)

	_, err := execute(t, "run", "--substrate", "openstack")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported substrate")
	assert.Empty(t, runner.calls)
}

func TestUpCmd(t *testing.T) {
	runner := withRunner(t)
	kubeconfig := filepath.Join(t.TempDir(), "kubeconfig")

	out, err := execute(t, "up", "--substrate", "local", "--kubeconfig", kubeconfig)
	require.NoError(t, err)
	assert.Equal(t, "local\n", out)

	data, err := os.ReadFile(kubeconfig)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kind: Config")
	assert.NotContains(t, runner.calls, "sudo snap remove k8s --purge")
}

const rocksMetadata = `[
  {"name": "pause", "version": "3.9", "path": "3.9", "arch": "amd64", "image": "ghcr.io/canonical/pause:3.9",
   "rockcraft-revision": "", "runs-on-labels": []},
  {"name": "pause", "version": "3.10", "path": "3.10", "arch": "amd64", "image": "ghcr.io/canonical/pause:3.10",
   "rockcraft-revision": "", "runs-on-labels": []},
  {"name": "coredns", "version": "1.11.1", "path": "1.11.1", "arch": "amd64", "image": "ghcr.io/canonical/coredns:1.11.1",
   "rockcraft-revision": "", "runs-on-labels": []}
]`

func TestRocksCmd(t *testing.T) {
	t.Setenv("ROCKS_UNDER_TEST", rocksMetadata)

	tests := []struct {
		name     string
		args     []string
		expected string
		wantErr  bool
	}{
		{
			name:     "all",
			args:     []string{"rocks", "--env", "ROCKS_UNDER_TEST"},
			expected: "pause:3.9/amd64 (ghcr.io/canonical/pause:3.9)\npause:3.10/amd64 (ghcr.io/canonical/pause:3.10)\ncoredns:1.11.1/amd64 (ghcr.io/canonical/coredns:1.11.1)\n",
		},
		{
			name:     "by name",
			args:     []string{"rocks", "--env", "ROCKS_UNDER_TEST", "coredns"},
			expected: "coredns:1.11.1/amd64 (ghcr.io/canonical/coredns:1.11.1)\n",
		},
		{
			name:     "latest",
			args:     []string{"rocks", "--env", "ROCKS_UNDER_TEST", "--arch", "amd64", "--latest", "pause"},
			expected: "pause:3.10/amd64 (ghcr.io/canonical/pause:3.10)\n",
		},
		{
			name:    "latest without name",
			args:    []string{"rocks", "--env", "ROCKS_UNDER_TEST", "--latest"},
			wantErr: true,
		},
		{
			name:    "missing variable",
			args:    []string{"rocks", "--env", "K8S_TEST_HARNESS_UNSET_ROCKS"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "k8s-test-harness Version")
	assert.Contains(t, out, "GitVersion")
}

func TestIsSet(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("snap-channel", "", "")
	flags.String("manifests-dir", "", "")
	require.NoError(t, flags.Parse([]string{"--snap-channel", "latest/edge"}))

	assert.True(t, isSet(flags, "snap-channel"))
	assert.False(t, isSet(flags, "manifests-dir"))
	assert.False(t, isSet(flags, "unknown"))
}

func TestSubstrateValue(t *testing.T) {
	var v substrateValue
	require.NoError(t, v.Set("juju"))
	assert.Equal(t, v1beta1.SubstrateJuju, v.AsSubstrate())
	assert.Equal(t, "juju", v.String())
	assert.Error(t, v.Set("openstack"))
	assert.Equal(t, v1beta1.SubstrateJuju, v.AsSubstrate())
}
