package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/svcvisor/internal/process"
)

// LogSink forwards child output into a slog.Logger: stdout at info, stderr at warn.
// Logger is expected to carry the service attribute already.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) WriteLine(name string, stream process.Stream, line string) {
	l := s.Logger
	if l == nil {
		l = slog.Default().With("service", name)
	}
	level := slog.LevelInfo
	if stream == process.Stderr {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, line, "stream", stream.String())
}

// FileSink appends child output to rotated per-service files.
type FileSink struct {
	mu  sync.Mutex
	out io.WriteCloser
	err io.WriteCloser
}

// NewFileSink opens the writers configured for name. It returns nil when the
// config names no files.
func NewFileSink(c FileConfig, name string) (*FileSink, error) {
	outW, errW, err := c.Writers(name)
	if err != nil {
		return nil, err
	}
	if outW == nil && errW == nil {
		return nil, nil
	}
	return &FileSink{out: outW, err: errW}, nil
}

func (f *FileSink) WriteLine(_ string, stream process.Stream, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.out
	if stream == process.Stderr {
		w = f.err
	}
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, line+"\n")
}

// Close releases both files.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	if f.out != nil {
		errs = append(errs, f.out.Close())
		f.out = nil
	}
	if f.err != nil {
		errs = append(errs, f.err.Close())
		f.err = nil
	}
	return errors.Join(errs...)
}
