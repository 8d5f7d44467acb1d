package utils

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is an interface used by the harness to log provisioning progress and command output.
type Logger interface {
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	WithPrefix(string) Logger
	Write(p []byte) (n int, err error)
	Flush()
}

// TestLogger implements the Logger interface to be compatible with the go test operator's
// output buffering (without this, the use of Parallel tests combined with subtests causes test
// output to be mixed).
type TestLogger struct {
	prefix string
	test   testing.TB
	buffer []byte
}

// NewTestLogger creates a new test logger.
func NewTestLogger(test testing.TB, prefix string) *TestLogger {
	return &TestLogger{
		prefix: prefix,
		test:   test,
		buffer: []byte{},
	}
}

// Log logs the provided arguments with the logger's prefix. See testing.Log for more details.
func (t *TestLogger) Log(args ...interface{}) {
	t.test.Helper()
	args = append([]interface{}{
		fmt.Sprintf("%s | %s |", time.Now().Format("15:04:05"), t.prefix),
	}, args...)
	t.test.Log(args...)
}

// Logf logs the provided arguments with the logger's prefix. See testing.Logf for more details.
func (t *TestLogger) Logf(format string, args ...interface{}) {
	t.test.Helper()
	t.Log(fmt.Sprintf(format, args...))
}

// WithPrefix returns a new TestLogger with the provided prefix appended to the current prefix.
func (t *TestLogger) WithPrefix(prefix string) Logger {
	return NewTestLogger(t.test, joinPrefix(t.prefix, prefix))
}

// Write implements the io.Writer interface.
// Logs each line written to it, buffers incomplete lines until the next Write() call.
func (t *TestLogger) Write(p []byte) (n int, err error) {
	t.buffer = writeLines(t.buffer, p, func(line string) { t.Log(line) })
	return len(p), nil
}

func (t *TestLogger) Flush() {
	if len(t.buffer) != 0 {
		t.Log(string(t.buffer))
		t.buffer = []byte{}
	}
}

// LogrusLogger implements Logger on top of logrus, for code that runs outside
// of a *testing.T such as TestMain and the command line.
type LogrusLogger struct {
	prefix string
	entry  *logrus.Entry
	buffer []byte
}

// NewLogrusLogger creates a logger writing to out at the given level.
func NewLogrusLogger(out io.Writer, level logrus.Level) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// Log logs the provided arguments at info level.
func (l *LogrusLogger) Log(args ...interface{}) {
	l.entry.Info(fmt.Sprint(args...))
}

// Logf logs a formatted message at info level.
func (l *LogrusLogger) Logf(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Debugf logs a formatted message at debug level.
func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Warnf logs a formatted message at warning level.
func (l *LogrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// WithPrefix returns a logger tagging every entry with the combined prefix.
func (l *LogrusLogger) WithPrefix(prefix string) Logger {
	p := joinPrefix(l.prefix, prefix)
	return &LogrusLogger{prefix: p, entry: l.entry.WithField("prefix", p)}
}

// Write logs each complete line written to it.
func (l *LogrusLogger) Write(p []byte) (n int, err error) {
	l.buffer = writeLines(l.buffer, p, func(line string) { l.Log(line) })
	return len(p), nil
}

func (l *LogrusLogger) Flush() {
	if len(l.buffer) != 0 {
		l.Log(string(l.buffer))
		l.buffer = []byte{}
	}
}

// Warnf logs at warning level when the logger supports it, and with a WARNING marker otherwise.
func Warnf(l Logger, format string, args ...interface{}) {
	if w, ok := l.(interface {
		Warnf(string, ...interface{})
	}); ok {
		w.Warnf(format, args...)
		return
	}
	l.Logf("WARNING: "+format, args...)
}

// Debugf logs at debug level when the logger supports it, and as a regular entry otherwise.
func Debugf(l Logger, format string, args ...interface{}) {
	if d, ok := l.(interface {
		Debugf(string, ...interface{})
	}); ok {
		d.Debugf(format, args...)
		return
	}
	l.Logf(format, args...)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Log(...interface{}) {}
func (NopLogger) Logf(string, ...interface{}) {}
func (n NopLogger) WithPrefix(string) Logger { return n }
func (NopLogger) Write(p []byte) (int, error) { return len(p), nil }
func (NopLogger) Flush() {}

func joinPrefix(current, prefix string) string {
	if current == "" {
		return prefix
	}
	return fmt.Sprintf("%s/%s", current, prefix)
}

// writeLines appends p to buffer, emits every complete line and returns the remainder.
func writeLines(buffer, p []byte, emit func(string)) []byte {
	buffer = append(buffer, p...)

	splitBuf := bytes.Split(buffer, []byte{'\n'})
	rest := splitBuf[len(splitBuf)-1]

	for _, line := range splitBuf[:len(splitBuf)-1] {
		emit(strings.TrimRight(string(line), "\r"))
	}

	return append([]byte{}, rest...)
}
