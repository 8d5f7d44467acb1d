// Package fixture provisions one bootstrapped Kubernetes instance for the
// lifetime of a Go test package and tears it down once the package is done.
//
// Call Run from TestMain and Current from the tests:
//
//	func TestMain(m *testing.M) {
//		os.Exit(fixture.Run(m, nil))
//	}
//
//	func TestSomething(t *testing.T) {
//		inst := fixture.MustCurrent(t).MustInstance(t)
//		...
//	}
package fixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	"github.com/canonical/k8s-test-harness/pkg/config"
	"github.com/canonical/k8s-test-harness/pkg/harness"
	"github.com/canonical/k8s-test-harness/pkg/k8sutil"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

var (
	// ErrNoModule is returned by Current when no module has been set up.
	ErrNoModule = errors.New("no test module set up, call fixture.Run from TestMain")
	// ErrNoInstance is returned when an instance is requested from a torn down module.
	ErrNoInstance = errors.New("the test module has been torn down")
)

// Finalizer releases something acquired while bootstrapping or testing.
type Finalizer func(ctx context.Context) error

// Module owns the harness and the single bootstrapped instance of a test package.
type Module struct {
	cfg     *v1beta1.TestHarness
	harness harness.Harness
	logger  testutils.Logger

	instanceOnce sync.Once
	instance     harness.Instance
	instanceErr  error

	mu         sync.Mutex
	finalizers []Finalizer
	tornDown   bool

	teardownOnce sync.Once
	teardownErr  error
}

// Setup fills in defaults, validates cfg and prepares the harness. Nothing is
// provisioned until Instance is called.
func Setup(_ context.Context, cfg *v1beta1.TestHarness, logger testutils.Logger, opts ...harness.Option) (*Module, error) {
	config.SetDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid test harness configuration: %w", err)
	}
	h, err := harness.New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &Module{cfg: cfg, harness: h, logger: logger}, nil
}

// Config returns the configuration the module was set up with.
func (m *Module) Config() *v1beta1.TestHarness {
	return m.cfg
}

// Harness returns the harness provisioning the module's instance.
func (m *Module) Harness() harness.Harness {
	return m.harness
}

// Instance returns the bootstrapped instance, creating it on first use.
// Creation and bootstrap happen exactly once; a failure is returned to every caller.
func (m *Module) Instance(ctx context.Context) (harness.Instance, error) {
	m.mu.Lock()
	tornDown := m.tornDown
	m.mu.Unlock()
	if tornDown {
		return nil, ErrNoInstance
	}

	m.instanceOnce.Do(func() {
		m.instance, m.instanceErr = m.bootstrap(ctx)
	})
	return m.instance, m.instanceErr
}

// MustInstance is Instance failing t on error.
func (m *Module) MustInstance(t testing.TB) harness.Instance {
	t.Helper()
	inst, err := m.Instance(context.Background())
	if err != nil {
		t.Fatalf("fatal error getting test instance: %v", err)
	}
	return inst
}

func (m *Module) bootstrap(ctx context.Context) (harness.Instance, error) {
	inst, err := m.harness.NewInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	logger := m.logger.WithPrefix(inst.ID())

	if _, preinstalled := inst.(harness.KubectlProvider); !preinstalled {
		if err := k8sutil.SetupSnap(ctx, inst, m.cfg.SnapChannel, logger); err != nil {
			return nil, err
		}
		m.AddFinalizer(func(ctx context.Context) error {
			return k8sutil.PurgeSnap(ctx, inst, logger)
		})

		remote := ""
		if m.cfg.BootstrapConfig != "" {
			remote = m.cfg.RemoteBootstrapConfig
			if err := inst.SendFile(ctx, m.bootstrapConfigPath(), remote); err != nil {
				return nil, fmt.Errorf("pushing bootstrap config: %w", err)
			}
		}
		if err := k8sutil.Bootstrap(ctx, inst, remote); err != nil {
			return nil, err
		}
	}

	if err := k8sutil.WaitUntilReady(ctx, inst, []harness.Instance{inst}, logger); err != nil {
		return nil, err
	}
	if err := k8sutil.WaitForNetwork(ctx, inst, logger); err != nil {
		return nil, err
	}
	if err := k8sutil.WaitForDNS(ctx, inst, logger); err != nil {
		return nil, err
	}

	if err := harness.RunCommands(ctx, inst, k8sutil.NamespaceDefault, m.cfg.Commands, logger, m.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("fatal error running commands: %w", err)
	}
	return inst, nil
}

// bootstrapConfigPath resolves a relative bootstrap config against the manifests directory.
func (m *Module) bootstrapConfigPath() string {
	if filepath.IsAbs(m.cfg.BootstrapConfig) {
		return m.cfg.BootstrapConfig
	}
	return filepath.Join(m.cfg.ManifestsDir, m.cfg.BootstrapConfig)
}

// AddFinalizer registers fn to run at teardown. Finalizers run in reverse
// order of registration, before the harness removes its instances.
func (m *Module) AddFinalizer(fn Finalizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizers = append(m.finalizers, fn)
}

// Teardown runs the finalizers and removes every instance unless cleanup is
// skipped. Only the first call does any work; later calls return its result.
func (m *Module) Teardown(ctx context.Context) error {
	m.teardownOnce.Do(func() {
		m.teardownErr = m.teardown(ctx)
	})
	return m.teardownErr
}

func (m *Module) teardown(ctx context.Context) error {
	m.mu.Lock()
	m.tornDown = true
	finalizers := m.finalizers
	m.finalizers = nil
	m.mu.Unlock()

	m.logger.Log("cleaning up")
	var errs []error
	for i := len(finalizers) - 1; i >= 0; i-- {
		if err := finalizers[i](ctx); err != nil {
			m.logger.Log("error running finalizer", err)
			errs = append(errs, err)
		}
	}

	if m.cfg.SkipCleanup {
		testutils.Warnf(m.logger, "skipping cleanup, instances created by the %s substrate must be removed manually", m.harness.Name())
		return errors.Join(errs...)
	}

	if err := m.harness.Cleanup(ctx); err != nil {
		m.logger.Log("error cleaning up instances", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var (
	currentMu sync.Mutex
	current   *Module
)

// Current returns the module set up by Run.
func Current() (*Module, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		return nil, ErrNoModule
	}
	return current, nil
}

// MustCurrent is Current failing t on error.
func MustCurrent(t testing.TB) *Module {
	t.Helper()
	m, err := Current()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func setCurrent(m *Module) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = m
}

// TestingM is the part of *testing.M used by Run.
type TestingM interface {
	Run() int
}

// Run sets up the module, runs the tests and tears the module down, also when
// the tests fail or are interrupted. A nil cfg is loaded with config.Load.
// It returns the exit code for os.Exit.
func Run(m TestingM, cfg *v1beta1.TestHarness, opts ...harness.Option) int {
	logger := testutils.NewLogrusLogger(os.Stderr, logrus.InfoLevel)
	return run(m, cfg, logger, opts...)
}

func run(m TestingM, cfg *v1beta1.TestHarness, logger testutils.Logger, opts ...harness.Option) (code int) {
	ctx := context.Background()

	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			logger.Log("fatal error loading configuration:", err)
			return 1
		}
	}

	mod, err := Setup(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Log("fatal error setting up test module:", err)
		return 1
	}
	setCurrent(mod)

	// capture ctrl+c and provide clean up
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt)
	defer signal.Stop(sigchan)
	go func() {
		sig, ok := <-sigchan
		if !ok {
			return
		}
		_ = mod.Teardown(ctx)
		logger.Log("failed with", sig)
		os.Exit(1)
	}()

	defer func() {
		setCurrent(nil)
		if err := mod.Teardown(ctx); err != nil {
			logger.Log("error tearing down test module:", err)
			if code == 0 {
				code = 1
			}
		}
	}()

	return m.Run()
}

// ForTest sets up a module owned by t and torn down with t.Cleanup.
func ForTest(t testing.TB, cfg *v1beta1.TestHarness, opts ...harness.Option) *Module {
	t.Helper()
	logger := testutils.NewTestLogger(t, "fixture")
	mod, err := Setup(context.Background(), cfg, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mod.Teardown(context.Background()); err != nil {
			t.Error(err)
		}
	})
	return mod
}
