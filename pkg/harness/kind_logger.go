package harness

import (
	"strconv"

	"github.com/spf13/pflag"
	"sigs.k8s.io/kind/pkg/log"

	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

type level int32

var verbosity level

// SetFlags registers the kind verbosity flag on flags.
func SetFlags(flags *pflag.FlagSet) {
	flags.VarP(&verbosity, "v", "v", "Logging verbosity level. 0=normal, 1=verbose, 2=detailed, 3+=trace.")
}

func (l *level) Get() interface{} {
	return *l
}

func (l *level) String() string {
	return strconv.FormatInt(int64(*l), 10)
}

func (l *level) Set(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*l = level(v)
	return nil
}

func (l *level) Type() string {
	return "int"
}

// kindLogger lets KIND log to the harness logger.
// KIND log level N is shown from harness verbosity N+1, such that
// the default verbosity of 0 produces no KIND info output.
type kindLogger struct {
	l testutils.Logger
}

func (k kindLogger) V(lvl log.Level) log.InfoLogger {
	if int(lvl) >= int(verbosity) {
		return &nopLogger{}
	}
	return k
}

func (k kindLogger) Warn(message string) {
	testutils.Warnf(k.l, "%s", message)
}

func (k kindLogger) Warnf(format string, args ...interface{}) {
	testutils.Warnf(k.l, format, args...)
}

func (k kindLogger) Error(message string) {
	k.l.Log(message)
}

func (k kindLogger) Errorf(format string, args ...interface{}) {
	k.l.Logf(format, args...)
}

func (k kindLogger) Info(message string) {
	k.l.Log(message)
}

func (k kindLogger) Infof(format string, args ...interface{}) {
	k.l.Logf(format, args...)
}

func (k kindLogger) Enabled() bool {
	return true
}

type nopLogger struct{}

func (n *nopLogger) Enabled() bool {
	return false
}

func (n *nopLogger) Info(string) {}

func (n *nopLogger) Infof(string, ...interface{}) {}
