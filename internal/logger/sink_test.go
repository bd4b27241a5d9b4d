package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcvisor/internal/process"
)

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := LogSink{Logger: l.With("service", "db")}
	s.WriteLine("db", process.Stdout, "ready")
	s.WriteLine("db", process.Stderr, "warning line")

	out := buf.String()
	assert.Contains(t, out, `"level":"INFO","msg":"ready"`)
	assert.Contains(t, out, `"level":"WARN","msg":"warning line"`)
	assert.Contains(t, out, `"stream":"stderr"`)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.Equal(t, 1, strings.Count(line, `"service"`), line)
	}
}

func TestLogSinkWithoutLoggerNamesService(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	LogSink{}.WriteLine("ollama", process.Stdout, "listening")
	assert.Contains(t, buf.String(), `"service":"ollama"`)
	assert.Equal(t, 1, strings.Count(buf.String(), `"service"`))
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(FileConfig{Dir: dir}, "backend")
	require.NoError(t, err)
	require.NotNil(t, s)

	s.WriteLine("backend", process.Stdout, "out-1")
	s.WriteLine("backend", process.Stderr, "err-1")
	require.NoError(t, s.Close())

	out, err := os.ReadFile(filepath.Join(dir, "backend.stdout.log"))
	require.NoError(t, err)
	errb, err := os.ReadFile(filepath.Join(dir, "backend.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "out-1\n", string(out))
	assert.Equal(t, "err-1\n", string(errb))
	assert.NoError(t, s.Close(), "close is repeatable")

	none, err := NewFileSink(FileConfig{}, "x")
	require.NoError(t, err)
	assert.Nil(t, none)
}
