package harness

import (
	"context"
	"io"
	"strings"
	"sync"
)

// fakeResponse is returned for every call whose joined argv starts with prefix.
type fakeResponse struct {
	prefix   string
	exitCode int
	stdout   string
	stderr   string
	err      error
}

type fakeCall struct {
	args  []string
	opts  ExecOptions
	stdin string
}

func (c fakeCall) String() string {
	return strings.Join(c.args, " ")
}

// fakeRunner records every command and answers from a list of canned responses.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []fakeCall
	responses []fakeResponse
}

func (f *fakeRunner) on(prefix string, exitCode int, stdout string) *fakeRunner {
	f.responses = append(f.responses, fakeResponse{prefix: prefix, exitCode: exitCode, stdout: stdout})
	return f
}

func (f *fakeRunner) Run(_ context.Context, args []string, opts ExecOptions) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := fakeCall{args: args, opts: opts}
	if opts.Stdin != nil {
		b, _ := io.ReadAll(opts.Stdin)
		call.stdin = string(b)
	}
	f.calls = append(f.calls, call)

	res := &ExecResult{Args: args}
	joined := strings.Join(args, " ")
	for _, r := range f.responses {
		if !strings.HasPrefix(joined, r.prefix) {
			continue
		}
		if r.err != nil {
			return res, r.err
		}
		res.ExitCode = r.exitCode
		res.Stdout = []byte(r.stdout)
		res.Stderr = []byte(r.stderr)
		break
	}
	if res.ExitCode != 0 && opts.Check {
		return res, &ExecError{Result: res}
	}
	return res, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

func (f *fakeRunner) last() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func fixedNames(names ...string) func() {
	orig := newInstanceName
	i := 0
	newInstanceName = func() string {
		n := names[i%len(names)]
		i++
		return n
	}
	return func() { newInstanceName = orig }
}
