package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func TestLoadConfigFull(t *testing.T) {
	path := writeFile(t, "svcvisor.toml", `
env = ["APP_MODE=dev"]
data_dir = "/var/lib/svc"
run_dir = "/run/svc"

[log]
level = "debug"
format = "json"

[metrics]
enabled = true
[metrics.resources]
enabled = true
interval = "2s"

[history]
enabled = true
dsns = ["sqlite:///tmp/h.db", "memory://"]

[server]
listen = "127.0.0.1:9090"
base_path = "/v1"

[postgres]
port = 6543
user = "app"
database = "appdb"
health_check_interval = "3s"
[postgres.restart]
max_restarts = 2
window = "1m"
initial_backoff = "500ms"

[ollama]
enabled = false

[backend]
command = "python"
args = ["-m", "app", "--port", "{port}"]
health_path = "/healthz"
env = ["WORKERS=2"]
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"APP_MODE=dev"}, c.Env)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, 2*time.Second, c.Metrics.Resources.Interval)
	assert.Equal(t, []string{"sqlite:///tmp/h.db", "memory://"}, c.History.DSNs)
	assert.Equal(t, "127.0.0.1:9090", c.Server.Listen)
	assert.Equal(t, "/v1", c.Server.BasePath)

	require.NotNil(t, c.Postgres)
	assert.True(t, c.Postgres.Enabled)
	assert.Equal(t, 6543, c.Postgres.Port)
	assert.Equal(t, "app", c.Postgres.User)
	assert.Equal(t, 3*time.Second, c.Postgres.HealthCheckInterval)
	assert.Equal(t, 2, c.Postgres.Restart.MaxRestarts)
	assert.Equal(t, time.Minute, c.Postgres.Restart.Window)
	assert.Equal(t, 500*time.Millisecond, c.Postgres.Restart.InitialBackoff)
	assert.Equal(t, filepath.Join("/var/lib/svc", "postgres"), c.Postgres.DataDir)
	assert.Equal(t, filepath.Join("/run/svc", "postgres.pid"), c.Postgres.PIDFile)

	require.NotNil(t, c.Ollama)
	assert.False(t, c.Ollama.Enabled)

	require.NotNil(t, c.Backend)
	assert.True(t, c.Backend.Enabled)
	assert.Equal(t, "/healthz", c.Backend.HealthPath)
	assert.Equal(t, []string{"-m", "app", "--port", "{port}"}, c.Backend.Args)
	assert.Equal(t, []string{"WORKERS=2"}, c.Backend.Env)
	assert.Empty(t, c.Backend.DataDir)
	assert.Equal(t, filepath.Join("/run/svc", "backend.pid"), c.Backend.PIDFile)
}

func TestLoadConfigMissingSectionsDisableServices(t *testing.T) {
	c, err := LoadConfig(writeFile(t, "c.toml", "[log]\nlevel = \"warn\"\n"))
	require.NoError(t, err)
	assert.Nil(t, c.Postgres)
	assert.Nil(t, c.Ollama)
	assert.Nil(t, c.Backend)
	assert.Equal(t, "data", c.DataDir)
	assert.Equal(t, "/api", c.Server.BasePath)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"backend without command": "[backend]\nport = 8000\n",
		"bad log level":           "[log]\nlevel = \"loud\"\n",
		"port out of range":       "[postgres]\nport = 70000\n",
		"history without dsns":    "[history]\nenabled = true\n",
		"malformed toml":          "[postgres\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "c.toml", data))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SVCVISOR_LOG_LEVEL", "error")
	c, err := LoadConfig(writeFile(t, "c.toml", "[log]\nlevel = \"debug\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "error", c.Log.Level)
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.Validate())
	require.NotNil(t, c.Postgres)
	require.NotNil(t, c.Ollama)
	assert.Nil(t, c.Backend)
	assert.Equal(t, filepath.Join("data", "postgres"), c.Postgres.DataDir)
	assert.Equal(t, filepath.Join("run", "ollama.pid"), c.Ollama.PIDFile)
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, ".env", "A=1\n#comment\n\nexport B=two\nC=\"quoted value\"\nbroken\n")
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "C=quoted value"}, pairs)

	_, err = LoadEnvFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestGlobalEnvPrecedence(t *testing.T) {
	t.Setenv("SVCVISOR_TEST_OS_ONLY", "osv")
	t.Setenv("SVCVISOR_TEST_SHADOW", "os")
	dotenv := writeFile(t, ".env", "FILE_ONLY=fv\nSVCVISOR_TEST_SHADOW=file\nTOP=file\n")

	c := &Config{
		UseOSEnv: true,
		EnvFiles: []string{dotenv},
		Env:      []string{"TOP=tv", "CHAIN=${FILE_ONLY}-x"},
	}
	e, err := c.GlobalEnv()
	require.NoError(t, err)
	m := e.Merge(nil)
	assert.Equal(t, "osv", m["SVCVISOR_TEST_OS_ONLY"])
	assert.Equal(t, "file", m["SVCVISOR_TEST_SHADOW"])
	assert.Equal(t, "fv", m["FILE_ONLY"])
	assert.Equal(t, "tv", m["TOP"])
	assert.Equal(t, "fv-x", m["CHAIN"])

	c.UseOSEnv = false
	e, err = c.GlobalEnv()
	require.NoError(t, err)
	_, ok := e.Merge(nil)["SVCVISOR_TEST_OS_ONLY"]
	assert.False(t, ok)

	c.EnvFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err = c.GlobalEnv()
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "c.toml", "[log]\nlevel = \"info\"\n")
	got := make(chan string, 4)
	require.NoError(t, Watch(path, func(c *Config) {
		select {
		case got <- c.Log.Level:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))
	select {
	case lvl := <-got:
		assert.Equal(t, "debug", lvl)
	case <-time.After(5 * time.Second):
		t.Skip("file change notification not delivered on this platform")
	}
}
