package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/svcvisor/internal/detector"
	envpkg "github.com/loykin/svcvisor/internal/env"
	"github.com/loykin/svcvisor/internal/health"
	"github.com/loykin/svcvisor/internal/process"
)

const (
	DefaultBackendPort  = 7777
	DefaultPostgresPort = 5433
	DefaultOllamaPort   = 11434

	StandardPostgresPort = 5432
	StandardOllamaPort   = 11434

	loopback = "127.0.0.1"
)

// Common holds the settings every managed service shares.
type Common struct {
	Enabled       bool     `mapstructure:"enabled"`
	Command       string   `mapstructure:"command"`
	Args          []string `mapstructure:"args"`
	WorkDir       string   `mapstructure:"work_dir"`
	Port          int      `mapstructure:"port"`
	MaxIncrements int      `mapstructure:"max_increments"`
	DataDir       string   `mapstructure:"data_dir"`
	PIDFile       string   `mapstructure:"pid_file"`
	Env           []string `mapstructure:"env"` // KEY=VALUE entries
	ReclaimOrphan bool     `mapstructure:"reclaim_orphan"`

	HealthCheckInterval time.Duration         `mapstructure:"health_check_interval"`
	GracefulStopTimeout time.Duration         `mapstructure:"graceful_stop_timeout"`
	SpawnTimeout        time.Duration         `mapstructure:"spawn_timeout"`
	HealthWaitTimeout   time.Duration         `mapstructure:"health_wait_timeout"`
	HealthTimeout       time.Duration         `mapstructure:"health_timeout"`
	Restart             process.RestartPolicy `mapstructure:"restart"`

	Output process.OutputSink `mapstructure:"-"`
}

func (c Common) spec(name string, p Params, args []string, env map[string]string, h health.Spec) process.Spec {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range envpkg.ParsePairs(c.Env) {
		merged[k] = expandPlaceholders(v, p)
	}
	for k, v := range env {
		merged[k] = v
	}
	return process.Spec{
		Name:                name,
		Command:             c.Command,
		Args:                args,
		Env:                 merged,
		WorkDir:             c.WorkDir,
		PIDFile:             c.PIDFile,
		Health:              h,
		HealthCheckInterval: c.HealthCheckInterval,
		GracefulStopTimeout: c.GracefulStopTimeout,
		SpawnTimeout:        c.SpawnTimeout,
		HealthWaitTimeout:   c.HealthWaitTimeout,
		Restart:             c.Restart,
		ReclaimOrphan:       c.ReclaimOrphan,
		Output:              c.Output,
	}
}

// expandPlaceholders substitutes {port} and {data_dir} in configured values.
func expandPlaceholders(s string, p Params) string {
	return strings.NewReplacer("{port}", strconv.Itoa(p.Port), "{data_dir}", p.DataDir).Replace(s)
}

func expandAll(in []string, p Params) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = expandPlaceholders(s, p)
	}
	return out
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// BackendConfig configures the application backend.
type BackendConfig struct {
	Common     `mapstructure:",squash"`
	HealthPath string `mapstructure:"health_path"`
}

// Backend launches the application backend. The child receives PORT and, when
// dbURL returns a value, DB_URL. Args may use {port} and {data_dir}. A backend
// already answering its health path on the preferred port is used as is.
func Backend(cfg BackendConfig, dbURL func() string) Service {
	path := cfg.HealthPath
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	healthURL := func(port int) string {
		return fmt.Sprintf("http://%s%s", net.JoinHostPort(loopback, strconv.Itoa(port)), path)
	}
	return Service{
		Name:          "backend",
		PreferredPort: pick(cfg.Port, DefaultBackendPort),
		MaxIncrements: cfg.MaxIncrements,
		DataDir:       cfg.DataDir,
		Detect: func(port int) detector.Detector {
			return detector.HealthDetector{Spec: health.HTTP(healthURL(port), cfg.HealthTimeout)}
		},
		Build: func(p Params) (process.Spec, error) {
			if cfg.Command == "" {
				return process.Spec{}, fmt.Errorf("backend command is required")
			}
			env := map[string]string{"PORT": strconv.Itoa(p.Port)}
			if dbURL != nil {
				if u := dbURL(); u != "" {
					env["DB_URL"] = u
				}
			}
			h := health.HTTP(healthURL(p.Port), cfg.HealthTimeout)
			return cfg.spec("backend", p, expandAll(cfg.Args, p), env, h), nil
		},
	}
}

// PostgresConfig configures the bundled PostgreSQL server.
type PostgresConfig struct {
	Common   `mapstructure:",squash"`
	InitDB   string `mapstructure:"initdb"`
	User     string `mapstructure:"user"`
	Database string `mapstructure:"database"`
}

func (c PostgresConfig) user() string {
	if c.User == "" {
		return "postgres"
	}
	return c.User
}

// URL returns the connection URL for a server listening on port.
func (c PostgresConfig) URL(port int) string {
	db := c.Database
	if db == "" {
		db = "postgres"
	}
	return detector.PostgresDetector{Host: loopback, Port: port, User: c.user(), Database: db}.ConnString()
}

// Postgres runs initdb once, then "postgres -D dir -p N -h 127.0.0.1 -k dir".
// A compatible server on the preferred port or 5432 is reused instead.
func Postgres(cfg PostgresConfig) Service {
	command := cfg.Command
	if command == "" {
		command = "postgres"
	}
	cfg.Command = command
	initdb := cfg.InitDB
	if initdb == "" {
		initdb = filepath.Join(filepath.Dir(command), "initdb")
		if !filepath.IsAbs(command) {
			initdb = "initdb"
		}
	}
	svc := Service{
		Name:          "postgres",
		PreferredPort: pick(cfg.Port, DefaultPostgresPort),
		StandardPorts: []int{StandardPostgresPort},
		MaxIncrements: cfg.MaxIncrements,
		DataDir:       cfg.DataDir,
		Initializer: MarkerInitializer{
			Marker: "PG_VERSION",
			Run: func(ctx context.Context, dir string) error {
				return runInitDB(ctx, initdb, dir, cfg.user())
			},
		},
		Detect: func(port int) detector.Detector {
			return detector.PostgresDetector{Host: loopback, Port: port, User: cfg.user(), Database: "postgres"}
		},
		Build: func(p Params) (process.Spec, error) {
			if p.DataDir == "" {
				return process.Spec{}, fmt.Errorf("postgres data_dir is required")
			}
			args := []string{"-D", p.DataDir, "-p", strconv.Itoa(p.Port), "-h", loopback, "-k", p.DataDir}
			args = append(args, expandAll(cfg.Args, p)...)
			h := health.TCP(loopback, p.Port, cfg.HealthTimeout)
			return cfg.spec("postgres", p, args, nil, h), nil
		},
	}
	if cfg.Database != "" {
		svc.AfterStart = func(ctx context.Context, p Params) error {
			return EnsureDatabase(ctx, detector.PostgresDetector{Host: loopback, Port: p.Port, User: cfg.user(), Database: "postgres"}.ConnString(), cfg.Database)
		}
	}
	return svc
}

func runInitDB(ctx context.Context, initdb, dir, user string) error {
	// #nosec G204 -- initdb path comes from supervisor configuration
	cmd := exec.CommandContext(ctx, initdb, "-D", dir, "--auth=trust", "-U", user, "-E", "UTF8")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", initdb, err, msg)
	}
	return nil
}

// EnsureDatabase creates name on the server at connString unless it exists.
func EnsureDatabase(ctx context.Context, connString, name string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	return err
}

// OllamaConfig configures the local LLM runtime.
type OllamaConfig struct {
	Common `mapstructure:",squash"`
}

// Ollama runs "ollama serve" bound to 127.0.0.1:N. A compatible runtime on the
// preferred port or 11434 is reused instead.
func Ollama(cfg OllamaConfig) Service {
	if cfg.Command == "" {
		cfg.Command = "ollama"
	}
	baseURL := func(port int) string { return "http://" + net.JoinHostPort(loopback, strconv.Itoa(port)) }
	return Service{
		Name:          "ollama",
		PreferredPort: pick(cfg.Port, DefaultOllamaPort),
		StandardPorts: []int{StandardOllamaPort},
		MaxIncrements: cfg.MaxIncrements,
		DataDir:       cfg.DataDir,
		Detect: func(port int) detector.Detector {
			return detector.OllamaDetector{BaseURL: baseURL(port), Timeout: cfg.HealthTimeout}
		},
		Build: func(p Params) (process.Spec, error) {
			args := expandAll(cfg.Args, p)
			if len(args) == 0 {
				args = []string{"serve"}
			}
			env := map[string]string{"OLLAMA_HOST": net.JoinHostPort(loopback, strconv.Itoa(p.Port))}
			if p.DataDir != "" {
				env["OLLAMA_MODELS"] = filepath.Join(p.DataDir, "models")
			}
			h := health.HTTP(baseURL(p.Port)+"/api/version", cfg.HealthTimeout)
			return cfg.spec("ollama", p, args, env, h), nil
		},
	}
}
