package process

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/loykin/svcvisor/internal/health"
)

// Default durations applied by WithDefaults.
const (
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultGracefulStopTimeout = 30 * time.Second
	DefaultSpawnTimeout        = 5 * time.Second
	DefaultHealthWaitTimeout   = 300 * time.Second
)

// Default restart budget.
const (
	DefaultMaxRestarts    = 5
	DefaultRestartWindow  = 5 * time.Minute
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// RestartPolicy bounds automatic restarts. MaxRestarts < 0 disables the budget.
type RestartPolicy struct {
	MaxRestarts    int           `json:"max_restarts" mapstructure:"max_restarts"`
	Window         time.Duration `json:"window" mapstructure:"window"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// Spec is the immutable description of one supervised process.
type Spec struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"` // executable, never run through a shell
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"` // complete child environment
	WorkDir string            `json:"work_dir" mapstructure:"work_dir"`
	PIDFile string            `json:"pid_file" mapstructure:"pid_file"`
	Health  health.Spec       `json:"health" mapstructure:"health"`

	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	GracefulStopTimeout time.Duration `json:"graceful_stop_timeout" mapstructure:"graceful_stop_timeout"`
	SpawnTimeout        time.Duration `json:"spawn_timeout" mapstructure:"spawn_timeout"`
	HealthWaitTimeout   time.Duration `json:"health_wait_timeout" mapstructure:"health_wait_timeout"`

	Restart RestartPolicy `json:"restart" mapstructure:"restart"`

	// ReclaimOrphan terminates a process left behind in PIDFile by a previous run
	// before spawning a new one.
	ReclaimOrphan bool `json:"reclaim_orphan" mapstructure:"reclaim_orphan"`

	Output OutputSink `json:"-" mapstructure:"-"`
}

// WithDefaults returns a copy of s with zero durations replaced by defaults.
func (s Spec) WithDefaults() Spec {
	out := s
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if out.GracefulStopTimeout <= 0 {
		out.GracefulStopTimeout = DefaultGracefulStopTimeout
	}
	if out.SpawnTimeout <= 0 {
		out.SpawnTimeout = DefaultSpawnTimeout
	}
	if out.HealthWaitTimeout <= 0 {
		out.HealthWaitTimeout = DefaultHealthWaitTimeout
	}
	out.Restart = out.Restart.WithDefaults()
	if out.Output == nil {
		out.Output = DiscardSink{}
	}
	if out.Args != nil {
		out.Args = append([]string(nil), out.Args...)
	}
	if out.Env != nil {
		env := make(map[string]string, len(out.Env))
		for k, v := range out.Env {
			env[k] = v
		}
		out.Env = env
	}
	return out
}

// WithDefaults fills unset fields of the policy.
func (p RestartPolicy) WithDefaults() RestartPolicy {
	out := p
	if out.MaxRestarts == 0 {
		out.MaxRestarts = DefaultMaxRestarts
	}
	if out.Window <= 0 {
		out.Window = DefaultRestartWindow
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	return out
}

// Backoff returns the delay before the attempt following n consecutive failures.
func (p RestartPolicy) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Validate checks the fields required to spawn and probe the process.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return errors.New("process name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("process %q: name contains invalid characters", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", name)
	}
	if err := s.Health.Validate(); err != nil {
		return fmt.Errorf("process %q: %w", name, err)
	}
	for k := range s.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("process %q: invalid env key %q", name, k)
		}
	}
	return nil
}

// EnvList renders Env as a sorted KEY=VALUE slice. It is never nil so the child
// never silently inherits the supervisor's environment.
func (s Spec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// BuildCommand constructs the *exec.Cmd for the spec without a shell.
// The child is placed in its own process group so signals reach its descendants.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- command and args come from supervisor configuration
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Env = s.EnvList()
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	configureSysProcAttr(cmd)
	return cmd
}
