package fixture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/harness"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// hostRunner answers every command on the fake host as a freshly bootstrapped node would.
type hostRunner struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (r *hostRunner) Run(_ context.Context, args []string, opts harness.ExecOptions) (*harness.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := strings.Join(args, " ")
	r.calls = append(r.calls, joined)

	res := &harness.ExecResult{Args: args}
	switch {
	case r.fail != "" && strings.HasPrefix(joined, r.fail):
		res.ExitCode = 1
	case joined == "hostname":
		res.Stdout = []byte("node\n")
	case strings.HasPrefix(joined, "k8s kubectl get node node"):
		res.Stdout = []byte("node   Ready   control-plane   1m   v1.32.0")
	}
	if res.ExitCode != 0 && opts.Check {
		return res, &harness.ExecError{Result: res}
	}
	return res, nil
}

func (r *hostRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// countingHarness counts cleanups of a harness that never provisions anything.
type countingHarness struct {
	cleanups int
	err      error
}

func (h *countingHarness) Name() string { return "counting" }

func (h *countingHarness) NewInstance(context.Context) (harness.Instance, error) {
	return nil, errors.New("not supported")
}

func (h *countingHarness) DeleteInstance(context.Context, string) error { return nil }

func (h *countingHarness) Cleanup(context.Context) error {
	h.cleanups++
	return h.err
}

func localConfig() *v1beta1.TestHarness {
	return &v1beta1.TestHarness{Substrate: v1beta1.SubstrateLocal, SnapChannel: "1.32-classic/stable"}
}

func TestInstanceBootstrapsOnce(t *testing.T) {
	runner := &hostRunner{}
	cfg := localConfig()
	cfg.Commands = []v1beta1.Command{{Command: "k8s kubectl get pods", Namespaced: true}}

	mod, err := Setup(context.TODO(), cfg, testutils.NewTestLogger(t, ""), harness.WithRunner(runner))
	require.NoError(t, err)

	first, err := mod.Instance(context.TODO())
	require.NoError(t, err)
	second, err := mod.Instance(context.TODO())
	require.NoError(t, err)
	assert.Same(t, first, second)

	assert.Equal(t, []string{
		"snap install k8s --classic --channel 1.32-classic/stable",
		"k8s bootstrap",
		"hostname",
		"k8s kubectl get node node --no-headers",
		"k8s x-wait-for network",
		"k8s x-wait-for dns",
		"k8s kubectl get pods --namespace default",
	}, runner.commands())

	require.NoError(t, mod.Teardown(context.TODO()))
	assert.Equal(t, "sudo snap remove k8s --purge", runner.commands()[len(runner.commands())-1])

	_, err = mod.Instance(context.TODO())
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestInstancePushesBootstrapConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstrap.yaml"), []byte("cluster-config: {}\n"), 0600))
	remote := filepath.Join(t.TempDir(), "bootstrap-session.yaml")

	runner := &hostRunner{}
	cfg := localConfig()
	cfg.ManifestsDir = dir
	cfg.BootstrapConfig = "bootstrap.yaml"
	cfg.RemoteBootstrapConfig = remote

	mod, err := Setup(context.TODO(), cfg, testutils.NewTestLogger(t, ""), harness.WithRunner(runner))
	require.NoError(t, err)
	_, err = mod.Instance(context.TODO())
	require.NoError(t, err)

	pushed, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "cluster-config: {}\n", string(pushed))
	assert.Contains(t, runner.commands(), "k8s bootstrap --file "+remote)
}

func TestInstanceFailureIsSticky(t *testing.T) {
	runner := &hostRunner{fail: "k8s bootstrap"}

	mod, err := Setup(context.TODO(), localConfig(), testutils.NewTestLogger(t, ""), harness.WithRunner(runner))
	require.NoError(t, err)

	_, err = mod.Instance(context.TODO())
	require.Error(t, err)
	calls := len(runner.commands())

	_, again := mod.Instance(context.TODO())
	assert.Equal(t, err, again)
	assert.Len(t, runner.commands(), calls)

	// The purge finalizer was registered before bootstrap failed.
	require.NoError(t, mod.Teardown(context.TODO()))
	assert.Equal(t, "sudo snap remove k8s --purge", runner.commands()[len(runner.commands())-1])
}

func TestUnsupportedSubstrate(t *testing.T) {
	runner := &hostRunner{}
	cfg := &v1beta1.TestHarness{Substrate: "openstack"}

	_, err := Setup(context.TODO(), cfg, testutils.NewTestLogger(t, ""), harness.WithRunner(runner))
	assert.ErrorIs(t, err, harness.ErrUnsupportedSubstrate)
	assert.Empty(t, runner.commands())
}

func TestTeardownRunsOnce(t *testing.T) {
	h := &countingHarness{}
	mod := &Module{cfg: localConfig(), harness: h, logger: testutils.NewTestLogger(t, "")}

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		mod.AddFinalizer(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	for n := 0; n < 3; n++ {
		require.NoError(t, mod.Teardown(context.TODO()))
	}
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 1, h.cleanups)
}

func TestTeardownCollectsErrors(t *testing.T) {
	cleanupErr := errors.New("instance stuck")
	finalizerErr := errors.New("purge failed")
	h := &countingHarness{err: cleanupErr}
	mod := &Module{cfg: localConfig(), harness: h, logger: testutils.NewTestLogger(t, "")}

	ran := false
	mod.AddFinalizer(func(context.Context) error {
		ran = true
		return nil
	})
	mod.AddFinalizer(func(context.Context) error { return finalizerErr })

	err := mod.Teardown(context.TODO())
	assert.ErrorIs(t, err, cleanupErr)
	assert.ErrorIs(t, err, finalizerErr)
	assert.True(t, ran)
	assert.Equal(t, err, mod.Teardown(context.TODO()))
}

func TestTeardownSkipCleanup(t *testing.T) {
	h := &countingHarness{}
	cfg := localConfig()
	cfg.SkipCleanup = true
	mod := &Module{cfg: cfg, harness: h, logger: testutils.NewTestLogger(t, "")}

	finalized := false
	mod.AddFinalizer(func(context.Context) error {
		finalized = true
		return nil
	})

	require.NoError(t, mod.Teardown(context.TODO()))
	assert.True(t, finalized)
	assert.Zero(t, h.cleanups)
}

type fakeM struct {
	code int
	run  func()
}

func (m *fakeM) Run() int {
	if m.run != nil {
		m.run()
	}
	return m.code
}

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		finalizer error
		wantCode  int
	}{
		{name: "tests pass", code: 0, wantCode: 0},
		{name: "tests fail", code: 1, wantCode: 1},
		{name: "teardown fails", code: 0, finalizer: errors.New("boom"), wantCode: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tornDown := 0
			m := &fakeM{code: tt.code, run: func() {
				mod, err := Current()
				require.NoError(t, err)
				mod.AddFinalizer(func(context.Context) error {
					tornDown++
					return tt.finalizer
				})
			}}

			code := run(m, localConfig(), testutils.NewTestLogger(t, ""), harness.WithRunner(&hostRunner{}))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, 1, tornDown)

			_, err := Current()
			assert.ErrorIs(t, err, ErrNoModule)
		})
	}
}

func TestRunInvalidConfig(t *testing.T) {
	m := &fakeM{run: func() { t.Error("tests must not run") }}
	code := run(m, &v1beta1.TestHarness{Substrate: "openstack"}, testutils.NewTestLogger(t, ""))
	assert.Equal(t, 1, code)
}

func TestForTest(t *testing.T) {
	var mod *Module
	t.Run("owner", func(t *testing.T) {
		mod = ForTest(t, localConfig(), harness.WithRunner(&hostRunner{}))
		_, err := mod.Instance(context.TODO())
		require.NoError(t, err)
	})

	_, err := mod.Instance(context.TODO())
	assert.ErrorIs(t, err, ErrNoInstance)
}
