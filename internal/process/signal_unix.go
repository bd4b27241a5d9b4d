//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup signals the process group led by pid, falling back to the pid alone
// when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func forceKill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// processExists checks liveness with signal 0. EPERM means the pid exists but is not ours.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
