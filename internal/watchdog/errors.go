package watchdog

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start while an owned child is alive.
	ErrAlreadyRunning = errors.New("service already running")
	// ErrShutdown is returned once the watchdog has been closed, or when a start
	// was interrupted by KillImmediately.
	ErrShutdown = errors.New("watchdog shut down")
	// ErrFailed marks a service whose restart budget is exhausted.
	ErrFailed = errors.New("restart budget exhausted")
)

// SpawnError reports that the executable could not be launched.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: failed to spawn: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PrematureExitError reports that the child exited before its first healthy probe.
type PrematureExitError struct {
	Name    string
	PID     int
	ExitErr error
}

func (e *PrematureExitError) Error() string {
	if e.ExitErr != nil {
		return fmt.Sprintf("%s: process %d exited before becoming healthy: %v", e.Name, e.PID, e.ExitErr)
	}
	return fmt.Sprintf("%s: process %d exited before becoming healthy", e.Name, e.PID)
}

func (e *PrematureExitError) Unwrap() error { return e.ExitErr }

// HealthCheckTimeoutError reports that the health wait deadline elapsed.
type HealthCheckTimeoutError struct {
	Name    string
	Timeout time.Duration
	Target  string
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("%s: not healthy after %s (%s)", e.Name, e.Timeout, e.Target)
}

// Kind classifies err for metrics and user-facing messages.
func Kind(err error) string {
	var (
		se *SpawnError
		pe *PrematureExitError
		he *HealthCheckTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &pe):
		return "premature_exit"
	case errors.As(err, &he):
		return "health_timeout"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrFailed):
		return "failed"
	}
	return "other"
}
