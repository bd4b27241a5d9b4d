package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/svcvisor/internal/bootstrap"
	"github.com/loykin/svcvisor/internal/env"
	"github.com/loykin/svcvisor/internal/logger"
	"github.com/loykin/svcvisor/internal/metrics"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. SVCVISOR_LOG_LEVEL for log.level.
const EnvPrefix = "SVCVISOR"

// Config is the top-level TOML structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
	DataDir  string   `mapstructure:"data_dir"`
	RunDir   string   `mapstructure:"run_dir"`

	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Server  ServerConfig  `mapstructure:"server"`

	// A missing section leaves the service disabled.
	Postgres *bootstrap.PostgresConfig `mapstructure:"postgres"`
	Ollama   *bootstrap.OllamaConfig   `mapstructure:"ollama"`
	Backend  *bootstrap.BackendConfig  `mapstructure:"backend"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"` // empty disables the status API
	BasePath string `mapstructure:"base_path"`
}

// Defaults returns a runnable configuration bundling PostgreSQL and Ollama.
// The backend has no default command and stays disabled.
func Defaults() Config {
	c := Config{
		DataDir:  "data",
		RunDir:   "run",
		Log:      logger.Config{Level: "info", Format: "text", Color: true},
		Server:   ServerConfig{BasePath: "/api"},
		Postgres: &bootstrap.PostgresConfig{Common: bootstrap.Common{Enabled: true}},
		Ollama:   &bootstrap.OllamaConfig{Common: bootstrap.Common{Enabled: true}},
	}
	c.fill()
	return c
}

// LoadConfig reads the TOML file at path. Keys can be overridden by
// SVCVISOR_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch calls fn with the reloaded configuration whenever the file at path
// changes. Invalid edits are reported through onErr and otherwise ignored.
func Watch(path string, fn func(*Config), onErr func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		c, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(c)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("data_dir", "data")
	v.SetDefault("run_dir", "run")
	v.SetDefault("log.level", "info")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.resources.interval", 10*time.Second)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	// a present section enables its service unless enabled = false
	if c.Postgres != nil && !v.IsSet("postgres.enabled") {
		c.Postgres.Enabled = true
	}
	if c.Ollama != nil && !v.IsSet("ollama.enabled") {
		c.Ollama.Enabled = true
	}
	if c.Backend != nil && !v.IsSet("backend.enabled") {
		c.Backend.Enabled = true
	}
	c.fill()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// fill derives per-service data directories and PID files from DataDir and RunDir.
func (c *Config) fill() {
	if c.Postgres != nil {
		fillCommon(&c.Postgres.Common, c, "postgres", true)
	}
	if c.Ollama != nil {
		fillCommon(&c.Ollama.Common, c, "ollama", true)
	}
	if c.Backend != nil {
		fillCommon(&c.Backend.Common, c, "backend", false)
	}
}

func fillCommon(s *bootstrap.Common, c *Config, name string, withData bool) {
	if withData && s.DataDir == "" && c.DataDir != "" {
		s.DataDir = filepath.Join(c.DataDir, name)
	}
	if s.PIDFile == "" && c.RunDir != "" {
		s.PIDFile = filepath.Join(c.RunDir, name+".pid")
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Backend != nil && c.Backend.Enabled && c.Backend.Command == "" {
		return fmt.Errorf("backend: command is required")
	}
	for _, s := range []struct {
		name string
		c    *bootstrap.Common
	}{
		{"postgres", commonOf(c.Postgres)},
		{"ollama", commonOf(c.Ollama)},
		{"backend", commonOf(c.Backend)},
	} {
		if s.c == nil {
			continue
		}
		if s.c.Port < 0 || s.c.Port > 65535 {
			return fmt.Errorf("%s: port %d out of range", s.name, s.c.Port)
		}
		if s.c.MaxIncrements < 0 {
			return fmt.Errorf("%s: max_increments must not be negative", s.name)
		}
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("history: enabled without dsns")
	}
	return nil
}

func commonOf(v any) *bootstrap.Common {
	switch s := v.(type) {
	case *bootstrap.PostgresConfig:
		if s != nil {
			return &s.Common
		}
	case *bootstrap.OllamaConfig:
		if s != nil {
			return &s.Common
		}
	case *bootstrap.BackendConfig:
		if s != nil {
			return &s.Common
		}
	}
	return nil
}

// GlobalEnv composes the environment shared by every child: the OS environment
// when UseOSEnv is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range env.ParsePairs(pairs) {
			e.Set(k, v)
		}
	}
	for k, v := range env.ParsePairs(c.Env) {
		e.Set(k, v)
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
// Blank lines and lines starting with # are ignored; an export prefix and
// surrounding quotes are stripped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
