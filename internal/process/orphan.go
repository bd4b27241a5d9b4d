package process

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// createSlack tolerates clock granularity between process creation and the PID file write.
const createSlack = 2 * time.Second

// ReclaimOrphan inspects a PID file left by a previous run. When the recorded process
// is still alive, runs command, and predates the file (so the PID was not reused), it is
// terminated, then killed after grace. The stale file is removed in every case.
// It returns the reclaimed PID, or 0 when nothing was terminated.
func ReclaimOrphan(ctx context.Context, pidFile, command string, grace time.Duration) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	info, err := os.Stat(pidFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return 0, RemovePIDFile(pidFile)
	}
	if !processExists(pid) || !isOrphanOf(ctx, pid, command, info.ModTime()) {
		return 0, RemovePIDFile(pidFile)
	}

	_ = terminate(pid)
	if !waitGone(ctx, pid, grace) {
		_ = forceKill(pid)
		waitGone(ctx, pid, time.Second)
	}
	return pid, RemovePIDFile(pidFile)
}

func isOrphanOf(ctx context.Context, pid int, command string, written time.Time) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		created := time.UnixMilli(ms)
		if created.After(written.Add(createSlack)) {
			return false
		}
	}
	want := executableName(command)
	if exe, err := p.ExeWithContext(ctx); err == nil && executableName(exe) == want {
		return true
	}
	name, err := p.NameWithContext(ctx)
	if err != nil || name == "" {
		return false
	}
	if name == want {
		return true
	}
	// Linux truncates comm to 15 bytes.
	return len(name) == 15 && strings.HasPrefix(want, name)
}

func executableName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".exe")
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for processExists(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !processExists(pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}
