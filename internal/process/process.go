package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Handle is one spawned child process. A Handle is never reused: a restart
// produces a new Handle.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu      sync.Mutex
	exitErr error
	done    chan struct{} // closed once cmd.Wait has returned
	pumps   sync.WaitGroup
}

// Spawn starts spec's command with stdout/stderr piped to spec.Output and waits at
// most spec.SpawnTimeout for the OS to confirm the launch. A child that launches
// after the timeout fired is killed and reaped in the background.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	spec = spec.WithDefaults()
	cmd := spec.BuildCommand()

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW
	closeAll := func() {
		_ = outR.Close()
		_ = errR.Close()
	}

	started := make(chan error, 1)
	go func() {
		err := cmd.Start()
		// The child holds its own copies of the write ends.
		_ = outW.Close()
		_ = errW.Close()
		started <- err
	}()

	timer := time.NewTimer(spec.SpawnTimeout)
	defer timer.Stop()

	var timeoutErr error
	select {
	case err := <-started:
		if err != nil {
			closeAll()
			return nil, err
		}
	case <-timer.C:
		timeoutErr = fmt.Errorf("process did not launch within %s", spec.SpawnTimeout)
	case <-ctx.Done():
		timeoutErr = ctx.Err()
	}
	if timeoutErr != nil {
		go func() {
			if err := <-started; err == nil && cmd.Process != nil {
				_ = forceKill(cmd.Process.Pid)
				_ = cmd.Wait()
			}
			closeAll()
		}()
		return nil, timeoutErr
	}

	h := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	h.pumps.Add(2)
	go func() { defer h.pumps.Done(); pump(outR, spec.Name, Stdout, spec.Output) }()
	go func() { defer h.pumps.Done(); pump(errR, spec.Name, Stderr, spec.Output) }()
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the time the launch was confirmed.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Exited is closed once the process has exited and been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.done }

// ExitErr returns the cmd.Wait result; nil while running or after a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Alive reports whether the process still exists. A reaped or zombie process is not alive.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	if runtime.GOOS == "linux" && isZombieLinux(h.pid) {
		return false
	}
	return processExists(h.pid)
}

// Terminate asks the process group to exit.
func (h *Handle) Terminate() error { return terminate(h.pid) }

// Kill forcefully kills the process group.
func (h *Handle) Kill() error { return forceKill(h.pid) }

// WaitExit blocks until the process is reaped or ctx is done.
func (h *Handle) WaitExit(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitOutput blocks until both output pumps have drained or ctx is done.
func (h *Handle) WaitOutput(ctx context.Context) error {
	ch := make(chan struct{})
	go func() { h.pumps.Wait(); close(ch) }()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
