// Package retry runs commands stubbornly: a bounded number of attempts with a
// fixed delay, optionally until the output satisfies a condition.
//
//	res, err := retry.Stubbornly(retry.WithRetries(15), retry.WithDelay(5*time.Second)).
//		On(inst).
//		Until(func(r *harness.ExecResult) bool { return strings.Contains(string(r.Stdout), " Ready") }).
//		Exec(ctx, "k8s", "kubectl", "get", "node", host, "--no-headers")
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/canonical/k8s-test-harness/pkg/harness"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

// ErrConditionNotMet is returned when a command succeeded but its result did
// not satisfy the condition given to Until.
var ErrConditionNotMet = errors.New("failed to meet condition")

// Option configures a Retriable.
type Option func(*Retriable)

// WithRetries bounds the number of attempts. Zero or less retries until the context is done.
func WithRetries(n int) Option {
	return func(r *Retriable) { r.retries = n }
}

// WithDelay sets the fixed pause between attempts.
func WithDelay(d time.Duration) Option {
	return func(r *Retriable) { r.delay = d }
}

// WithRetryIf restricts retries to errors matching fn. Other errors are returned immediately.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retriable) { r.retryIf = fn }
}

// WithLogger sets where failed attempts are reported.
func WithLogger(l testutils.Logger) Option {
	return func(r *Retriable) { r.logger = l }
}

// WithRunner sets the runner used for commands not targeted at an instance.
func WithRunner(runner harness.Runner) Option {
	return func(r *Retriable) { r.runner = runner }
}

// Retriable retries an operation. The zero value retries immediately and forever.
type Retriable struct {
	retries int
	delay   time.Duration
	retryIf func(error) bool
	logger  testutils.Logger

	runner    harness.Runner
	instance  harness.Instance
	condition func(*harness.ExecResult) bool
}

// Stubbornly returns a Retriable configured by opts.
func Stubbornly(opts ...Option) *Retriable {
	r := &Retriable{logger: testutils.NopLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On targets commands at inst instead of the local host.
func (r *Retriable) On(inst harness.Instance) *Retriable {
	c := *r
	c.instance = inst
	return &c
}

// Until makes an attempt fail with ErrConditionNotMet unless cond holds for its result.
func (r *Retriable) Until(cond func(*harness.ExecResult) bool) *Retriable {
	c := *r
	c.condition = cond
	return &c
}

// Exec runs the command until it succeeds and meets the condition, the
// attempts are exhausted or ctx is done. The last failure is returned.
func (r *Retriable) Exec(ctx context.Context, args []string, opts ...harness.ExecOption) (*harness.ExecResult, error) {
	var res *harness.ExecResult
	err := r.Retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.exec(ctx, args, opts)
		if err != nil {
			var exerr *harness.ExecError
			if errors.As(err, &exerr) {
				testutils.Warnf(r.logger, "  rc=%d", exerr.Result.ExitCode)
				testutils.Warnf(r.logger, "  stdout=%s", strings.TrimSpace(string(exerr.Result.Stdout)))
				testutils.Warnf(r.logger, "  stderr=%s", strings.TrimSpace(string(exerr.Result.Stderr)))
			}
			return err
		}
		if r.condition != nil && !r.condition(res) {
			return ErrConditionNotMet
		}
		return nil
	})
	return res, err
}

func (r *Retriable) exec(ctx context.Context, args []string, opts []harness.ExecOption) (*harness.ExecResult, error) {
	if r.instance != nil {
		return r.instance.Exec(ctx, args, opts...)
	}
	runner := r.runner
	if runner == nil {
		runner = harness.NewHostRunner(r.logger)
	}
	return runner.Run(ctx, args, harness.NewExecOptions(opts...))
}

// Retry calls fn until it returns nil, the attempts are exhausted or ctx is
// done, and returns the last error fn returned.
func (r *Retriable) Retry(ctx context.Context, fn func(context.Context) error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(r.delay)
	if r.retries > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.retries-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if r.retryIf != nil && !r.retryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		tries := ""
		if r.retries > 0 {
			tries = fmt.Sprintf("/%d", r.retries)
		}
		r.logger.Logf("Attempt %d%s failed. Error: %v", attempt, tries, err)
		r.logger.Logf("Retrying in %v...", next)
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// the context ended the retries, keep the failure that led there.
		return fmt.Errorf("%w: last attempt: %w", err, lastErr)
	}
	return err
}

// Retry is Stubbornly(opts...).Retry(ctx, fn).
func Retry(ctx context.Context, fn func(context.Context) error, opts ...Option) error {
	return Stubbornly(opts...).Retry(ctx, fn)
}
