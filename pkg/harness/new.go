package harness

import (
	"fmt"

	"github.com/thoas/go-funk"

	"github.com/canonical/k8s-test-harness/pkg/apis/testharness/v1beta1"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// Option customizes how New builds a harness.
type Option func(*options)

type options struct {
	runner Runner
}

// WithRunner makes CLI based substrates run their tools through r.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// ValidateSubstrate returns ErrUnsupportedSubstrate for anything outside the known set.
func ValidateSubstrate(s v1beta1.Substrate) error {
	if !funk.Contains(v1beta1.Substrates, s) {
		return fmt.Errorf("%w %q: must be one of %v", ErrUnsupportedSubstrate, s, v1beta1.Substrates)
	}
	return nil
}

// New returns the harness for the configured substrate. Nothing is provisioned
// until NewInstance is called.
func New(cfg *v1beta1.TestHarness, logger testutils.Logger, opts ...Option) (Harness, error) {
	if err := ValidateSubstrate(cfg.Substrate); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.WithPrefix(string(cfg.Substrate))
	if o.runner == nil {
		o.runner = NewHostRunner(logger)
	}

	switch cfg.Substrate {
	case v1beta1.SubstrateLocal:
		return NewLocalHarness(o.runner, logger), nil
	case v1beta1.SubstrateLXD:
		return NewLXDHarness(cfg.LXD, o.runner, logger), nil
	case v1beta1.SubstrateMultipass:
		return NewMultipassHarness(cfg.Multipass, o.runner, logger), nil
	case v1beta1.SubstrateJuju:
		return NewJujuHarness(cfg.Juju, o.runner, logger), nil
	case v1beta1.SubstrateKind:
		return NewKINDHarness(cfg.KIND, cfg.ArtifactsDir, logger), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnsupportedSubstrate, cfg.Substrate)
}
