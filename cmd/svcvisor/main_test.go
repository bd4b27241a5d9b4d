package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcvisor/internal/bootstrap"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/server"
	"github.com/loykin/svcvisor/internal/supervisor"
	"github.com/loykin/svcvisor/internal/watchdog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "port", "probe", "status", "restart", "history"} {
		assert.Contains(t, out, sub)
	}
}

func TestPortCommand(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	busy := l.Addr().(*net.TCPAddr).Port

	out, err := execute(t, "port", "--start", strconv.Itoa(busy), "--max", "5")
	require.NoError(t, err)
	p, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Greater(t, p, busy)
	assert.LessOrEqual(t, p, busy+5)

	_, err = execute(t, "port", "--start", strconv.Itoa(busy), "--max", "0")
	assert.Error(t, err)
}

func TestProbeCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out, err := execute(t, "probe", "--http", srv.URL+"/health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")

	_, err = execute(t, "probe", "--http", srv.URL+"/down", "--timeout", "500ms")
	assert.ErrorIs(t, err, errUnhealthy)

	_, err = execute(t, "probe", "--tcp", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	_, err = execute(t, "probe", "--tcp", "no-port")
	assert.Error(t, err)

	_, err = execute(t, "probe")
	assert.Error(t, err, "one of --http or --tcp is required")
}

type fakeServices struct{ restarted []string }

func (f *fakeServices) Status() []bootstrap.Status {
	return []bootstrap.Status{
		{Service: "postgres", Port: 5432, ExternallyManaged: true, Detector: "postgres 127.0.0.1:5432"},
		{Service: "backend", Port: 7778, Watchdog: &watchdog.Status{Name: "backend", State: watchdog.StateRunning, PID: 321, Restarts: 2}},
	}
}

func (f *fakeServices) Restart(_ context.Context, name string) error {
	if name == "postgres" {
		return fmt.Errorf("%w: %s", supervisor.ErrExternal, name)
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func apiServer(t *testing.T, f *fakeServices) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := history.NewMemory(0)
	require.NoError(t, mem.Send(context.Background(), history.Event{Type: history.EventRestart, Service: "backend", PID: 321, State: "running"}))
	srv := httptest.NewServer(server.NewRouter(f, mem, "/api", nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestStatusCommand(t *testing.T) {
	url := apiServer(t, &fakeServices{})

	out, err := execute(t, "status", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "SERVICE")
	assert.Regexp(t, `backend\s+7778\s+running\s+321\s+2`, out)
	assert.Regexp(t, `postgres\s+5432\s+external`, out)

	out, err = execute(t, "status", "backend", "--api-url", url, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "running"`)
	assert.NotContains(t, out, "postgres")

	_, err = execute(t, "status", "nope", "--api-url", url)
	assert.Error(t, err)
}

func TestRestartCommand(t *testing.T) {
	f := &fakeServices{}
	url := apiServer(t, f)

	out, err := execute(t, "restart", "backend", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "backend restarted")
	assert.Equal(t, []string{"backend"}, f.restarted)

	_, err = execute(t, "restart", "postgres", "--api-url", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "externally managed")
}

func TestHistoryCommand(t *testing.T) {
	url := apiServer(t, &fakeServices{})
	out, err := execute(t, "history", "backend", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "restart")
	assert.Contains(t, out, "321")
}

func TestAPIClientUnreachable(t *testing.T) {
	c := NewAPIClient("http://127.0.0.1:1/api", 200*time.Millisecond)
	_, err := c.Status(context.Background())
	assert.Error(t, err)

	d := NewAPIClient("", 0)
	assert.Equal(t, defaultAPIUrl, d.baseURL)
	assert.Equal(t, 10*time.Second, d.client.Timeout)
}

func TestRunFailsOnBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(p, []byte("[backend]\nport = 1\n"), 0o600))
	_, err := execute(t, "run", p)
	assert.Error(t, err)
}

func TestRunReportsStartFailure(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "svcvisor.toml")
	data := fmt.Sprintf(`
data_dir = %q
run_dir = %q
[log]
level = "error"
[backend]
command = %q
`, filepath.Join(dir, "data"), filepath.Join(dir, "run"), filepath.Join(dir, "missing"))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))

	var stderr bytes.Buffer
	sigs := make(chan os.Signal, 2)
	err := runSupervisor(context.Background(), p, &RunFlags{StopTimeout: 5 * time.Second}, sigs, &stderr)
	var se *supervisor.StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "backend", se.Service)
	assert.Contains(t, stderr.String(), "backend could not be launched")
}

func TestRunStopsOnSignal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "svcvisor.toml")
	data := fmt.Sprintf("data_dir = %q\nrun_dir = %q\n[log]\nlevel = \"error\"\n", dir, dir)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))

	sigs := make(chan os.Signal, 2)
	done := make(chan error, 1)
	go func() {
		done <- runSupervisor(context.Background(), p, &RunFlags{StopTimeout: 5 * time.Second}, sigs, &bytes.Buffer{})
	}()
	time.Sleep(200 * time.Millisecond)
	sigs <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after signal")
	}
}
