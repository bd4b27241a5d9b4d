package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/svcvisor/internal/bootstrap"
	"github.com/loykin/svcvisor/internal/port"
	"github.com/loykin/svcvisor/internal/watchdog"
)

// RollbackTimeout bounds the graceful stop of members started before a failure.
const RollbackTimeout = 30 * time.Second

var (
	ErrUnknownService = errors.New("unknown service")
	ErrExternal       = errors.New("service is externally managed")
)

// Member is one supervised service. *bootstrap.Bootstrapper implements it.
type Member interface {
	Name() string
	EnsureRunning(ctx context.Context, preferredPort int, dataDir string) (bootstrap.Result, error)
	Shutdown(ctx context.Context) error
	Kill(ctx context.Context) error
	Status() bootstrap.Status
}

// StartError names the service that failed to come up and how.
type StartError struct {
	Service string
	Kind    string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s failed to start (%s): %v", e.Service, e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Message is a short explanation suitable for an end user.
func (e *StartError) Message() string {
	switch e.Kind {
	case "spawn":
		return fmt.Sprintf("%s could not be launched. Check that it is installed.", e.Service)
	case "premature_exit":
		return fmt.Sprintf("%s exited while starting up. See the log for details.", e.Service)
	case "health_timeout":
		return fmt.Sprintf("%s did not become ready in time.", e.Service)
	case "port":
		return fmt.Sprintf("No free network port was found for %s.", e.Service)
	case "init":
		return fmt.Sprintf("The %s data directory could not be initialized.", e.Service)
	}
	return fmt.Sprintf("%s failed to start.", e.Service)
}

// KindOf classifies a start failure.
func KindOf(err error) string {
	var ie *bootstrap.InitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return "init"
	case errors.Is(err, port.ErrPortExhausted):
		return "port"
	}
	return watchdog.Kind(err)
}

// Supervisor starts members in order and stops them in reverse.
type Supervisor struct {
	log     *slog.Logger
	members []Member

	mu      sync.Mutex // serializes StartAll
	started []Member
}

func New(log *slog.Logger, members ...Member) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, members: members}
}

// Members returns the members in start order.
func (s *Supervisor) Members() []Member {
	return append([]Member(nil), s.members...)
}

// StartAll brings every member up in order. On the first failure the members
// already started are stopped in reverse order and a *StartError is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		res, err := m.EnsureRunning(ctx, 0, "")
		if err != nil {
			se := &StartError{Service: m.Name(), Kind: KindOf(err), Err: err}
			s.log.Error("service start failed", "service", m.Name(), "kind", se.Kind, "error", err)
			// rollback: stop previously started members
			s.rollback(append(s.started, m))
			s.started = nil
			return se
		}
		s.log.Info("service ready", "service", m.Name(), "port", res.Port, "external", res.ExternallyManaged)
		s.started = append(s.started, m)
	}
	return nil
}

func (s *Supervisor) rollback(members []Member) {
	ctx, cancel := context.WithTimeout(context.Background(), RollbackTimeout)
	defer cancel()
	for i := len(members) - 1; i >= 0; i-- {
		if err := members[i].Shutdown(ctx); err != nil {
			s.log.Warn("rollback stop failed", "service", members[i].Name(), "error", err)
		}
	}
}

// StopAll stops every member gracefully in reverse start order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(s.members) - 1; i >= 0; i-- {
		m := s.members[i]
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// KillAll force-kills every member concurrently. It does not wait for an
// in-progress StartAll.
func (s *Supervisor) KillAll(ctx context.Context) error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, m := range s.members {
		g.Go(func() error {
			if err := m.Kill(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Status returns per-member snapshots in start order.
func (s *Supervisor) Status() []bootstrap.Status {
	out := make([]bootstrap.Status, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Status())
	}
	return out
}

// Lookup returns the member called name.
func (s *Supervisor) Lookup(name string) (Member, bool) {
	for _, m := range s.members {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Restart replaces the owned child of name, or starts it when none is owned.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	m, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if m.Status().ExternallyManaged {
		return fmt.Errorf("%w: %s", ErrExternal, name)
	}
	if w, ok := m.(interface{ Watchdog() *watchdog.Watchdog }); ok {
		if wd := w.Watchdog(); wd != nil && wd.State() != watchdog.StateFailed {
			return wd.Restart(ctx)
		}
	}
	_, err := m.EnsureRunning(ctx, 0, "")
	return err
}

// PIDs maps each service with a live owned child to its pid.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, st := range s.Status() {
		if st.Watchdog != nil && st.Watchdog.PID > 0 {
			out[st.Service] = int32(st.Watchdog.PID)
		}
	}
	return out
}
