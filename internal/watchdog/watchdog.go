package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcvisor/internal/health"
	"github.com/loykin/svcvisor/internal/history"
	"github.com/loykin/svcvisor/internal/logger"
	"github.com/loykin/svcvisor/internal/metrics"
	"github.com/loykin/svcvisor/internal/process"
)

const (
	// HealthPollInterval is the delay between probes while waiting for a fresh child.
	HealthPollInterval = 200 * time.Millisecond
	// LivenessCheckInterval is how often the health wait confirms the child still exists.
	LivenessCheckInterval = 5 * time.Second
	// StopPollInterval is how often a graceful stop checks whether the child has exited.
	StopPollInterval = 100 * time.Millisecond

	killWait = 5 * time.Second
)

// Watchdog owns one child process: it spawns it, waits for it to pass its health
// check, monitors it and restarts it when it dies or stops answering.
//
// A single goroutine owns the child handle, the monitor timer and the stopped
// flag. Public methods send a command to that goroutine and wait for the reply,
// so start, stop, restart and monitor ticks never overlap.
type Watchdog struct {
	spec   process.Spec
	log    *slog.Logger
	prober health.Checker
	sinks  []history.Sink

	cmds      chan command
	done      chan struct{}
	interrupt chan struct{}
	current   atomic.Pointer[process.Handle]
	killing   atomic.Bool // set by KillImmediately until the kill is handled

	mu        sync.RWMutex
	state     State
	pid       int
	restarts  int
	startedAt time.Time
	lastErr   error

	// owned by run
	handle   *process.Handle
	stopped  bool
	monitor  *time.Timer
	attempts []time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger. It is used as is, so it should already carry the
// service attribute; without this option the default logger gets one.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.log = l
		}
	}
}

// WithProber replaces the default health prober.
func WithProber(c health.Checker) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.prober = c
		}
	}
}

// WithHistory adds history sinks receiving lifecycle events.
func WithHistory(sinks ...history.Sink) Option {
	return func(w *Watchdog) { w.sinks = append(w.sinks, sinks...) }
}

type action int

const (
	actStart action = iota
	actStop
	actRestart
	actKill
	actClose
)

type command struct {
	action action
	reply  chan error
}

// New validates spec and starts the watchdog goroutine. The child is not spawned
// until Start is called.
func New(spec process.Spec, opts ...Option) (*Watchdog, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	w := &Watchdog{
		prober:    health.NewProber(),
		cmds:      make(chan command),
		done:      make(chan struct{}),
		interrupt: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default().With("service", spec.Name)
	}
	if spec.Output == nil {
		spec.Output = logger.LogSink{Logger: w.log}
	}
	w.spec = spec.WithDefaults()
	metrics.SetCurrentState(spec.Name, StateIdle.String(), true)

	go w.run()
	return w, nil
}

// Name returns the service name.
func (w *Watchdog) Name() string { return w.spec.Name }

// Spec returns the effective process spec.
func (w *Watchdog) Spec() process.Spec { return w.spec }

// Start spawns the child and blocks until it is healthy or the start failed.
// ctx bounds only the wait for the reply; the start itself runs to completion.
func (w *Watchdog) Start(ctx context.Context) error { return w.call(ctx, actStart) }

// Restart stops the child gracefully and starts it again.
func (w *Watchdog) Restart(ctx context.Context) error { return w.call(ctx, actRestart) }

// StopGracefully terminates the child, escalating to a forced kill after
// GracefulStopTimeout. It is idempotent.
func (w *Watchdog) StopGracefully(ctx context.Context) error { return w.call(ctx, actStop) }

// KillImmediately force-kills the child without a graceful phase. A start that
// is still waiting for health is aborted with ErrShutdown.
func (w *Watchdog) KillImmediately(ctx context.Context) error {
	w.killing.Store(true)
	select {
	case w.interrupt <- struct{}{}:
	default:
	}
	if h := w.current.Load(); h != nil {
		_ = h.Kill()
	}
	return w.call(ctx, actKill)
}

// Close stops the child gracefully and ends the watchdog goroutine. Later calls
// return ErrShutdown.
func (w *Watchdog) Close(ctx context.Context) error {
	err := w.call(ctx, actClose)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// Done is closed once the watchdog goroutine has exited.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

// WaitUntilHealthy polls the health check until it passes. A zero timeout uses
// the spec's HealthWaitTimeout.
func (w *Watchdog) WaitUntilHealthy(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = w.spec.HealthWaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(HealthPollInterval)
	defer poll.Stop()
	for {
		if w.prober.Check(ctx, w.spec.Health) {
			return nil
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			return &HealthCheckTimeoutError{Name: w.spec.Name, Timeout: timeout, Target: w.spec.Health.String()}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current lifecycle state.
func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status returns a snapshot of the watchdog.
func (w *Watchdog) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := Status{
		Name:      w.spec.Name,
		State:     w.state,
		PID:       w.pid,
		Restarts:  w.restarts,
		StartedAt: w.startedAt,
		Health:    w.spec.Health.String(),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// PID returns the pid of the owned child, or 0.
func (w *Watchdog) PID() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pid
}

func (w *Watchdog) call(ctx context.Context, a action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case w.cmds <- command{action: a, reply: reply}:
	case <-w.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) run() {
	defer close(w.done)
	for {
		var exited <-chan struct{}
		if w.handle != nil && w.State() == StateRunning && !w.killing.Load() {
			exited = w.handle.Exited()
		}
		var tick <-chan time.Time
		if w.monitor != nil {
			tick = w.monitor.C
		}

		select {
		case c := <-w.cmds:
			if w.handleCommand(c) {
				return
			}
		case <-tick:
			w.monitor = nil
			w.onTick()
		case <-exited:
			w.onFailure("process exited", exitCause(w.handle))
		}
	}
}

func (w *Watchdog) handleCommand(c command) (exit bool) {
	var err error
	switch c.action {
	case actStart:
		err = w.doStart()
	case actStop:
		err = w.doStop()
	case actRestart:
		if err = w.doStop(); err == nil {
			err = w.doStart()
		}
	case actKill:
		err = w.doKill()
	case actClose:
		err = w.doStop()
		c.reply <- err
		return true
	}
	c.reply <- err
	return false
}

func (w *Watchdog) doStart() error {
	if w.handle != nil {
		if w.handle.Alive() {
			return ErrAlreadyRunning
		}
		w.release()
	}
	w.disarm()
	w.stopped = false
	w.killing.Store(false)
	w.attempts = nil

	if err := w.startChild(); err != nil {
		w.setLastErr(err)
		w.setState(StateIdle)
		return err
	}
	w.setLastErr(nil)
	w.setState(StateRunning)
	metrics.IncStart(w.spec.Name)
	w.record(history.EventStart, w.PID(), "")
	w.arm(w.spec.HealthCheckInterval)
	return nil
}

// startChild spawns the process and waits for its first healthy probe. On any
// failure no child is left running and the PID file is removed.
func (w *Watchdog) startChild() error {
	w.setState(StateSpawning)

	if w.spec.ReclaimOrphan {
		pid, err := process.ReclaimOrphan(context.Background(), w.spec.PIDFile, w.spec.Command, w.spec.GracefulStopTimeout)
		if err != nil {
			w.log.Warn("orphan reclaim failed", "pid_file", w.spec.PIDFile, "error", err)
		} else if pid > 0 {
			w.log.Warn("terminated orphaned process from previous run", "pid", pid)
		}
	}

	h, err := process.Spawn(context.Background(), w.spec)
	if err != nil {
		err = &SpawnError{Name: w.spec.Name, Err: err}
		metrics.IncStartFailure(w.spec.Name, Kind(err))
		w.log.Error("spawn failed", "command", w.spec.Command, "error", err)
		return err
	}
	w.handle = h
	w.current.Store(h)
	w.mu.Lock()
	w.pid = h.PID()
	w.startedAt = h.StartedAt()
	w.mu.Unlock()
	w.log.Info("process spawned", "pid", h.PID(), "command", w.spec.Command)

	if err := process.WritePIDFile(w.spec.PIDFile, h.PID()); err != nil {
		w.log.Warn("failed to write pid file", "pid_file", w.spec.PIDFile, "error", err)
	}

	w.setState(StateAwaitingHealth)
	began := time.Now()
	if err := w.awaitHealth(h); err != nil {
		metrics.IncStartFailure(w.spec.Name, Kind(err))
		w.log.Error("service did not become healthy", "pid", h.PID(), "error", err)
		w.killChild()
		return err
	}
	metrics.ObserveHealthWait(w.spec.Name, time.Since(began).Seconds())
	w.log.Info("service healthy", "pid", h.PID(), "health", w.spec.Health.String(), "waited", time.Since(began).Round(time.Millisecond))
	return nil
}

func (w *Watchdog) awaitHealth(h *process.Handle) error {
	timeout := w.spec.HealthWaitTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(HealthPollInterval)
	defer poll.Stop()
	live := time.NewTicker(LivenessCheckInterval)
	defer live.Stop()

	premature := func() error {
		return &PrematureExitError{Name: w.spec.Name, PID: h.PID(), ExitErr: h.ExitErr()}
	}
	for {
		if w.prober.Check(context.Background(), w.spec.Health) {
			return nil
		}
		select {
		case <-poll.C:
		case <-live.C:
			if !h.Alive() {
				return premature()
			}
		case <-h.Exited():
			return premature()
		case <-deadline.C:
			return &HealthCheckTimeoutError{Name: w.spec.Name, Timeout: timeout, Target: w.spec.Health.String()}
		case <-w.interrupt:
			return ErrShutdown
		}
	}
}

func (w *Watchdog) doStop() error {
	w.stopped = true
	w.disarm()
	if w.handle == nil {
		w.removePIDFile()
		if s := w.State(); s != StateIdle && s != StateStopped {
			w.setState(StateStopped)
		}
		return nil
	}
	w.setState(StateStopping)
	pid := w.handle.PID()
	w.stopChild()
	w.setState(StateStopped)
	metrics.IncStop(w.spec.Name)
	w.log.Info("service stopped", "pid", pid)
	w.record(history.EventStop, pid, "")
	return nil
}

func (w *Watchdog) doKill() error {
	select {
	case <-w.interrupt:
	default:
	}
	w.stopped = true
	w.disarm()
	if w.handle != nil {
		pid := w.handle.PID()
		w.killChild()
		metrics.IncStop(w.spec.Name)
		w.log.Warn("service killed", "pid", pid)
		w.record(history.EventStop, pid, "killed")
	} else {
		w.removePIDFile()
	}
	if s := w.State(); s != StateIdle {
		w.setState(StateStopped)
	}
	w.killing.Store(false)
	return nil
}

// stopChild sends SIGTERM, polls for exit and escalates to SIGKILL after
// GracefulStopTimeout. The PID file is always removed.
func (w *Watchdog) stopChild() {
	h := w.handle
	if h == nil {
		w.removePIDFile()
		return
	}
	if h.Alive() {
		if err := h.Terminate(); err != nil {
			w.log.Warn("terminate failed", "pid", h.PID(), "error", err)
		}
		deadline := time.Now().Add(w.spec.GracefulStopTimeout)
		poll := time.NewTicker(StopPollInterval)
		for h.Alive() && time.Now().Before(deadline) {
			select {
			case <-h.Exited():
			case <-poll.C:
			}
		}
		poll.Stop()
		if h.Alive() {
			w.log.Warn("graceful stop escalated", "pid", h.PID(), "timeout", w.spec.GracefulStopTimeout)
			metrics.IncStopEscalation(w.spec.Name)
			_ = h.Kill()
		}
	}
	w.reap(h)
	w.release()
}

func (w *Watchdog) killChild() {
	h := w.handle
	if h == nil {
		w.removePIDFile()
		return
	}
	_ = h.Kill()
	w.reap(h)
	w.release()
}

// reap waits briefly for the reaper so the child does not linger as a zombie.
func (w *Watchdog) reap(h *process.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), killWait)
	defer cancel()
	if err := h.WaitExit(ctx); err != nil {
		w.log.Warn("process not reaped", "pid", h.PID(), "error", err)
	}
	_ = h.WaitOutput(ctx)
}

// release forgets the handle and its PID file.
func (w *Watchdog) release() {
	w.handle = nil
	w.current.Store(nil)
	w.mu.Lock()
	w.pid = 0
	w.mu.Unlock()
	w.removePIDFile()
}

func (w *Watchdog) onTick() {
	switch w.State() {
	case StateRunning:
		if w.handle == nil || !w.handle.Alive() {
			w.onFailure("process not alive", exitCause(w.handle))
			return
		}
		if !w.prober.Check(context.Background(), w.spec.Health) {
			w.onFailure("health check failed", nil)
			return
		}
		w.arm(w.spec.HealthCheckInterval)
	case StateRestarting:
		w.attemptRestart()
	}
}

func (w *Watchdog) onFailure(reason string, cause error) {
	if w.stopped || w.killing.Load() {
		return
	}
	w.disarm()
	metrics.IncHealthFailure(w.spec.Name)
	if cause == nil {
		cause = errors.New(reason)
	}
	w.setLastErr(cause)
	w.log.Warn("service unhealthy, restarting", "reason", reason, "error", cause)
	w.setState(StateRestarting)
	w.stopChild()
	w.scheduleRestart()
}

// scheduleRestart consumes one unit of restart budget and arms the timer with
// the backoff delay, or fails the service when the budget is spent.
func (w *Watchdog) scheduleRestart() {
	p := w.spec.Restart
	now := time.Now()
	kept := w.attempts[:0]
	for _, t := range w.attempts {
		if now.Sub(t) < p.Window {
			kept = append(kept, t)
		}
	}
	w.attempts = kept
	if p.MaxRestarts >= 0 && len(w.attempts) >= p.MaxRestarts {
		w.fail()
		return
	}
	delay := p.Backoff(len(w.attempts))
	w.attempts = append(w.attempts, now)
	w.setState(StateRestarting)
	w.log.Info("restart scheduled", "delay", delay, "attempt", len(w.attempts))
	w.arm(delay)
}

func (w *Watchdog) attemptRestart() {
	if w.killing.Load() {
		return
	}
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()
	metrics.IncRestart(w.spec.Name)

	if err := w.startChild(); err != nil {
		w.setLastErr(err)
		w.log.Error("restart failed", "error", err)
		w.scheduleRestart()
		return
	}
	w.setLastErr(nil)
	w.setState(StateRunning)
	w.record(history.EventRestart, w.PID(), "")
	w.arm(w.spec.HealthCheckInterval)
}

func (w *Watchdog) fail() {
	w.disarm()
	w.killChild()
	err := fmt.Errorf("%s: %w (%d restarts within %s)", w.spec.Name, ErrFailed, w.spec.Restart.MaxRestarts, w.spec.Restart.Window)
	w.setLastErr(err)
	w.setState(StateFailed)
	w.log.Error("service failed", "error", err)
	w.record(history.EventFailed, 0, err.Error())
}

func exitCause(h *process.Handle) error {
	if h == nil {
		return nil
	}
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("process %d exited: %w", h.PID(), err)
	}
	return fmt.Errorf("process %d exited", h.PID())
}

func (w *Watchdog) arm(d time.Duration) {
	w.disarm()
	w.monitor = time.NewTimer(d)
}

func (w *Watchdog) disarm() {
	if w.monitor != nil {
		w.monitor.Stop()
		w.monitor = nil
	}
}

func (w *Watchdog) removePIDFile() {
	if err := process.RemovePIDFile(w.spec.PIDFile); err != nil {
		w.log.Warn("failed to remove pid file", "pid_file", w.spec.PIDFile, "error", err)
	}
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	old := w.state
	w.state = s
	w.mu.Unlock()
	if old == s {
		return
	}
	metrics.RecordStateTransition(w.spec.Name, old.String(), s.String())
	metrics.SetCurrentState(w.spec.Name, old.String(), false)
	metrics.SetCurrentState(w.spec.Name, s.String(), true)
	w.log.Debug("state changed", "from", old.String(), "to", s.String())
}

func (w *Watchdog) setLastErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Watchdog) record(t history.EventType, pid int, msg string) {
	if len(w.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Service:    w.spec.Name,
		PID:        pid,
		State:      w.State().String(),
		Error:      msg,
	}
	_ = history.Dispatch(context.Background(), w.log, w.sinks, e)
}
