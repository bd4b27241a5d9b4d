package svcvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcvisor/internal/bootstrap"
	cfg "github.com/loykin/svcvisor/internal/config"
	"github.com/loykin/svcvisor/internal/health"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/history/factory"
	"github.com/loykin/svcvisor/internal/logger"
	"github.com/loykin/svcvisor/internal/metrics"
	"github.com/loykin/svcvisor/internal/port"
	"github.com/loykin/svcvisor/internal/process"
	iapi "github.com/loykin/svcvisor/internal/server"
	"github.com/loykin/svcvisor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ServiceStatus = bootstrap.Status

type Event = history.Event

type StartError = supervisor.StartError

type HealthSpec = health.Spec

var (
	ErrUnknownService = supervisor.ErrUnknownService
	ErrExternal       = supervisor.ErrExternal
	ErrPortExhausted  = port.ErrPortExhausted
)

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

func DefaultConfig() Config { return cfg.Defaults() }

// FindAvailablePort returns the first free loopback port in [start, start+maxIncrements].
func FindAvailablePort(start, maxIncrements int) (int, error) {
	return port.FindAvailablePort(start, maxIncrements)
}

func HTTPCheck(url string, timeout time.Duration) HealthSpec { return health.HTTP(url, timeout) }

func TCPCheck(host string, p int, timeout time.Duration) HealthSpec {
	return health.TCP(host, p, timeout)
}

// Probe runs a single health check.
func Probe(ctx context.Context, spec HealthSpec) bool { return health.NewProber().Check(ctx, spec) }

// App wires the configured services to a supervisor along with history, metrics
// and the optional status API.
type App struct {
	cfg       *Config
	log       *slog.Logger
	sup       *supervisor.Supervisor
	sinks     []history.Sink
	reader    history.Reader
	closers   []io.Closer
	collector *metrics.ResourceCollector
	registry  prometheus.Registerer
	srv       *http.Server
	cancel    context.CancelFunc
	mu        sync.Mutex // guards srv, collector and the closers
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRegisterer sets where metrics are registered; default prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *App) { a.registry = r }
}

// New builds the service graph: PostgreSQL, then Ollama, then the backend,
// each only when its section is present and enabled.
func New(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		d := cfg.Defaults()
		c = &d
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: c, log: slog.Default(), registry: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(a)
	}

	if err := a.openHistory(); err != nil {
		return nil, err
	}
	globalEnv, err := c.GlobalEnv()
	if err != nil {
		_ = a.close()
		return nil, err
	}

	var members []supervisor.Member
	add := func(svc bootstrap.Service) *bootstrap.Bootstrapper {
		b := bootstrap.New(svc,
			bootstrap.WithLogger(a.log),
			bootstrap.WithEnv(globalEnv),
			bootstrap.WithHistory(a.sinks...),
		)
		members = append(members, b)
		return b
	}

	var pg *bootstrap.Bootstrapper
	if p := c.Postgres; p != nil && p.Enabled {
		pc := *p
		if pc.Output, err = a.output("postgres"); err != nil {
			_ = a.close()
			return nil, err
		}
		pg = add(bootstrap.Postgres(pc))
	}
	if o := c.Ollama; o != nil && o.Enabled {
		oc := *o
		if oc.Output, err = a.output("ollama"); err != nil {
			_ = a.close()
			return nil, err
		}
		add(bootstrap.Ollama(oc))
	}
	if be := c.Backend; be != nil && be.Enabled {
		bc := *be
		if bc.Output, err = a.output("backend"); err != nil {
			_ = a.close()
			return nil, err
		}
		var dbURL func() string
		if pg != nil {
			pgCfg := *c.Postgres
			dbURL = func() string {
				if r := pg.Result(); r.Port > 0 {
					return pgCfg.URL(r.Port)
				}
				return ""
			}
		}
		add(bootstrap.Backend(bc, dbURL))
	}
	a.sup = supervisor.New(a.log, members...)
	return a, nil
}

func (a *App) openHistory() error {
	if !a.cfg.History.Enabled {
		// keep recent events in memory so the status API can show them
		mem := history.NewMemory(0)
		a.sinks = []history.Sink{mem}
		a.reader = mem
		return nil
	}
	sinks, err := factory.NewSinks(a.cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	a.sinks = sinks
	for _, s := range sinks {
		if r, ok := s.(history.Reader); ok {
			a.reader = r
			break
		}
	}
	return nil
}

// output forwards child lines to the log and, when configured, to rotated files.
func (a *App) output(name string) (process.OutputSink, error) {
	ls := logger.LogSink{Logger: a.log.With("service", name)}
	fs, err := logger.NewFileSink(a.cfg.Log.File, name)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		return ls, nil
	}
	a.closers = append(a.closers, fs)
	return process.MultiSink{ls, fs}, nil
}

// Start registers metrics, starts the status API and brings every service up.
// On failure the services already started are stopped and a *StartError is
// returned; the API keeps running until Stop.
func (a *App) Start(ctx context.Context) error {
	if err := a.startExtras(); err != nil {
		return err
	}
	return a.sup.StartAll(ctx)
}

func (a *App) startExtras() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Metrics.Enabled && a.collector == nil {
		if err := metrics.Register(a.registry); err != nil {
			return err
		}
		rc := metrics.NewResourceCollector(a.cfg.Metrics.Resources)
		if err := rc.RegisterMetrics(a.registry); err != nil {
			return err
		}
		var bg context.Context
		bg, a.cancel = context.WithCancel(context.Background())
		rc.Start(bg, a.sup.PIDs)
		a.collector = rc
	}
	if a.cfg.Server.Listen != "" && a.srv == nil {
		r := iapi.NewRouter(a.sup, a.reader, a.cfg.Server.BasePath, a.log)
		a.srv = iapi.NewServer(a.cfg.Server.Listen, r)
		a.log.Info("status api listening", "addr", a.cfg.Server.Listen, "base", a.cfg.Server.BasePath)
	}
	return nil
}

// Stop gracefully stops every owned service in reverse order and releases
// history sinks, log files and the status API.
func (a *App) Stop(ctx context.Context) error {
	err := a.sup.StopAll(ctx)
	return errors.Join(err, a.shutdownExtras(ctx))
}

// Kill force-kills every owned service and releases resources.
func (a *App) Kill(ctx context.Context) error {
	err := a.sup.KillAll(ctx)
	return errors.Join(err, a.shutdownExtras(ctx))
}

func (a *App) shutdownExtras(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.srv = nil
	}
	if a.collector != nil {
		a.cancel()
		a.collector.Stop()
		a.collector = nil
	}
	return errors.Join(append(errs, a.close())...)
}

func (a *App) close() error {
	errs := []error{history.Close(a.sinks)}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.sinks, a.closers = nil, nil
	return errors.Join(errs...)
}

func (a *App) Status() []ServiceStatus { return a.sup.Status() }

func (a *App) Restart(ctx context.Context, name string) error { return a.sup.Restart(ctx, name) }

// Services lists the enabled services in start order.
func (a *App) Services() []string {
	var out []string
	for _, m := range a.sup.Members() {
		out = append(out, m.Name())
	}
	return out
}

// History returns up to limit recent events of service, newest first.
func (a *App) History(ctx context.Context, service string, limit int) ([]Event, error) {
	if a.reader == nil {
		return nil, errors.New("history: no readable sink configured")
	}
	return a.reader.Recent(ctx, service, limit)
}
