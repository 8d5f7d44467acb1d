package utils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestWriteLines(t *testing.T) {
	var lines []string
	emit := func(s string) { lines = append(lines, s) }

	rest := writeLines(nil, []byte("first\nsecond\r\nthi"), emit)
	assert.Equal(t, []string{"first", "second"}, lines)
	assert.Equal(t, "thi", string(rest))

	rest = writeLines(rest, []byte("rd\n"), emit)
	assert.Equal(t, []string{"first", "second", "third"}, lines)
	assert.Empty(t, rest)
}

func TestLogrusLogger(t *testing.T) {
	out := &bytes.Buffer{}
	logger := NewLogrusLogger(out, logrus.InfoLevel)

	logger.Logf("hello %s", "world")
	Debugf(logger, "hidden at info level")
	Warnf(logger, "careful")

	prefixed := logger.WithPrefix("lxd").WithPrefix("node-1")
	_, err := prefixed.Write([]byte("partial"))
	assert.NoError(t, err)
	assert.NotContains(t, out.String(), "partial")
	prefixed.Flush()

	assert.Contains(t, out.String(), "hello world")
	assert.NotContains(t, out.String(), "hidden at info level")
	assert.Contains(t, out.String(), "level=warning")
	assert.Contains(t, out.String(), "prefix=lxd/node-1")
	assert.Contains(t, out.String(), "partial")
}

func TestJoinPrefix(t *testing.T) {
	assert.Equal(t, "a", joinPrefix("", "a"))
	assert.Equal(t, "a/b", joinPrefix("a", "b"))
}

func TestTestLoggerWithPrefix(t *testing.T) {
	logger := NewTestLogger(t, "harness")
	child, ok := logger.WithPrefix("lxd").(*TestLogger)
	if assert.True(t, ok) {
		assert.Equal(t, "harness/lxd", child.prefix)
	}

	_, err := child.Write([]byte("line one\nline"))
	assert.NoError(t, err)
	assert.Equal(t, "line", string(child.buffer))
	child.Flush()
	assert.Empty(t, child.buffer)
}
