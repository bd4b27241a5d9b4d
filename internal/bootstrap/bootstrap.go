package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loykin/svcvisor/internal/detector"
	"github.com/loykin/svcvisor/internal/env"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/metrics"
	"github.com/loykin/svcvisor/internal/port"
	"github.com/loykin/svcvisor/internal/process"
	"github.com/loykin/svcvisor/internal/watchdog"
)

// Params are the values a Service needs to build its process spec.
type Params struct {
	Port    int
	DataDir string
	Env     map[string]string
}

// Service describes how to find, prepare and launch one kind of local service.
type Service struct {
	Name          string
	PreferredPort int
	StandardPorts []int // well-known ports also checked for an external instance
	MaxIncrements int
	DataDir       string
	Initializer   DataDirInitializer
	Detect        func(port int) detector.Detector
	Build         func(Params) (process.Spec, error)
	AfterStart    func(ctx context.Context, p Params) error
}

// Result is what EnsureRunning hands back to callers.
type Result struct {
	Port              int
	ExternallyManaged bool
	Watchdog          *watchdog.Watchdog
}

// Status is a snapshot of a bootstrapped service.
type Status struct {
	Service           string           `json:"service"`
	Port              int              `json:"port,omitempty"`
	ExternallyManaged bool             `json:"externally_managed"`
	Detector          string           `json:"detector,omitempty"`
	Watchdog          *watchdog.Status `json:"watchdog,omitempty"`
}

// Bootstrapper brings one Service up, preferring an already running compatible
// instance over spawning its own.
type Bootstrapper struct {
	svc      Service
	log      *slog.Logger
	env      *env.Env
	sinks    []history.Sink
	wdOpts   []watchdog.Option
	opMu     sync.Mutex // serializes EnsureRunning
	mu       sync.Mutex
	wd       *watchdog.Watchdog
	result   Result
	detected string
}

type Option func(*Bootstrapper)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if l != nil {
			b.log = l
		}
	}
}

// WithEnv sets the global environment merged under each service's own variables.
func WithEnv(e *env.Env) Option {
	return func(b *Bootstrapper) {
		if e != nil {
			b.env = e
		}
	}
}

func WithHistory(sinks ...history.Sink) Option {
	return func(b *Bootstrapper) { b.sinks = append(b.sinks, sinks...) }
}

// WithWatchdogOptions passes options to the watchdog created for the service.
func WithWatchdogOptions(opts ...watchdog.Option) Option {
	return func(b *Bootstrapper) { b.wdOpts = append(b.wdOpts, opts...) }
}

func New(svc Service, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{svc: svc, log: slog.Default(), env: env.New()}
	for _, o := range opts {
		o(b)
	}
	if b.svc.MaxIncrements <= 0 {
		b.svc.MaxIncrements = port.DefaultMaxIncrements
	}
	b.log = b.log.With("service", svc.Name)
	return b
}

func (b *Bootstrapper) Name() string { return b.svc.Name }

// EnsureRunning makes the service available and returns where it listens.
// Zero preferredPort and empty dataDir fall back to the Service defaults.
// Calling it again while the owned instance runs returns the same result.
func (b *Bootstrapper) EnsureRunning(ctx context.Context, preferredPort int, dataDir string) (Result, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	if wd := b.Watchdog(); wd != nil && wd.State() == watchdog.StateRunning {
		return b.Result(), nil
	}
	if preferredPort <= 0 {
		preferredPort = b.svc.PreferredPort
	}
	if dataDir == "" {
		dataDir = b.svc.DataDir
	}

	if d := b.detectExternal(ctx, preferredPort); d != nil {
		res := Result{Port: d.port, ExternallyManaged: true}
		b.mu.Lock()
		b.result = res
		b.detected = d.det.Describe()
		b.mu.Unlock()
		metrics.SetExternallyManaged(b.svc.Name, true)
		b.log.Info("using externally managed instance", "port", d.port, "detector", d.det.Describe())
		_ = history.Dispatch(ctx, b.log, b.sinks, history.Event{
			Type: history.EventExternal, Service: b.svc.Name, State: "external",
		})
		return res, nil
	}
	metrics.SetExternallyManaged(b.svc.Name, false)
	b.mu.Lock()
	b.detected = ""
	b.mu.Unlock()

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return Result{}, &InitError{Service: b.svc.Name, Dir: dataDir, Err: err}
		}
	}
	if ini := b.svc.Initializer; ini != nil && !ini.Initialized(dataDir) {
		b.log.Info("initializing data directory", "dir", dataDir)
		if err := ini.Initialize(ctx, dataDir); err != nil {
			return Result{}, &InitError{Service: b.svc.Name, Dir: dataDir, Err: err}
		}
	}

	p, err := port.FindAvailablePort(preferredPort, b.svc.MaxIncrements)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", b.svc.Name, err)
	}
	if p != preferredPort {
		b.log.Info("preferred port busy, using next free port", "preferred", preferredPort, "port", p)
	}

	params := Params{Port: p, DataDir: dataDir, Env: b.env.Merge(nil)}
	spec, err := b.svc.Build(params)
	if err != nil {
		return Result{}, fmt.Errorf("%s: build spec: %w", b.svc.Name, err)
	}
	spec.Env = b.env.Merge(spec.Env)

	if old := b.swap(nil); old != nil {
		_ = old.Close(ctx)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	opts := append([]watchdog.Option{watchdog.WithLogger(b.log), watchdog.WithHistory(b.sinks...)}, b.wdOpts...)
	wd, err := watchdog.New(spec, opts...)
	if err != nil {
		return Result{}, err
	}
	// published before Start so Kill can reach a start in progress
	b.swap(wd)
	// a Kill that ran before the swap cancelled ctx first and never saw wd
	if err := ctx.Err(); err != nil {
		b.drop(wd)
		return Result{}, err
	}
	if err := wd.Start(ctx); err != nil {
		if ctx.Err() == nil {
			b.drop(wd)
		}
		return Result{}, err
	}

	if b.svc.AfterStart != nil {
		if err := b.svc.AfterStart(ctx, params); err != nil {
			b.drop(wd)
			return Result{}, fmt.Errorf("%s: post-start: %w", b.svc.Name, err)
		}
	}

	res := Result{Port: p, Watchdog: wd}
	b.mu.Lock()
	b.result = res
	b.mu.Unlock()
	return res, nil
}

func (b *Bootstrapper) swap(wd *watchdog.Watchdog) *watchdog.Watchdog {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.wd
	b.wd = wd
	return old
}

// drop stops wd and forgets it if it is still the current watchdog.
func (b *Bootstrapper) drop(wd *watchdog.Watchdog) {
	_ = wd.KillImmediately(context.Background())
	_ = wd.Close(context.Background())
	b.mu.Lock()
	if b.wd == wd {
		b.wd = nil
	}
	b.mu.Unlock()
}

type detection struct {
	port int
	det  detector.Detector
}

func (b *Bootstrapper) detectExternal(ctx context.Context, preferred int) *detection {
	if b.svc.Detect == nil {
		return nil
	}
	seen := make(map[int]bool)
	for _, p := range append([]int{preferred}, b.svc.StandardPorts...) {
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		d := b.svc.Detect(p)
		if d == nil {
			continue
		}
		ok, err := d.Detect(ctx)
		if err != nil {
			b.log.Warn("external instance not usable", "port", p, "detector", d.Describe(), "error", err)
			continue
		}
		if ok {
			return &detection{port: p, det: d}
		}
	}
	return nil
}

// Result returns the last successful EnsureRunning result.
func (b *Bootstrapper) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// Watchdog returns the owned watchdog, or nil.
func (b *Bootstrapper) Watchdog() *watchdog.Watchdog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wd
}

// Status returns a snapshot.
func (b *Bootstrapper) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Service:           b.svc.Name,
		Port:              b.result.Port,
		ExternallyManaged: b.result.ExternallyManaged,
		Detector:          b.detected,
	}
	if b.wd != nil {
		ws := b.wd.Status()
		st.Watchdog = &ws
	}
	return st
}

// Shutdown stops the owned instance gracefully. Externally managed instances
// are left alone.
func (b *Bootstrapper) Shutdown(ctx context.Context) error {
	return b.release(ctx, func(wd *watchdog.Watchdog) error { return wd.StopGracefully(ctx) })
}

// Kill force-kills the owned instance.
func (b *Bootstrapper) Kill(ctx context.Context) error {
	return b.release(ctx, func(wd *watchdog.Watchdog) error { return wd.KillImmediately(ctx) })
}

func (b *Bootstrapper) release(ctx context.Context, stop func(*watchdog.Watchdog) error) error {
	b.mu.Lock()
	wd := b.wd
	b.wd = nil
	b.result = Result{}
	b.mu.Unlock()
	if wd == nil {
		return nil
	}
	err := stop(wd)
	return errors.Join(err, wd.Close(ctx))
}
