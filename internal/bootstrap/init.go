package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DataDirInitializer prepares a data directory before the first launch.
type DataDirInitializer interface {
	Initialized(dir string) bool
	Initialize(ctx context.Context, dir string) error
}

// MarkerInitializer treats dir as initialized once Marker exists inside it.
type MarkerInitializer struct {
	Marker string
	Run    func(ctx context.Context, dir string) error
}

func (m MarkerInitializer) Initialized(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, m.Marker))
	return err == nil
}

// Initialize runs Run and verifies it produced the marker.
func (m MarkerInitializer) Initialize(ctx context.Context, dir string) error {
	if m.Run == nil {
		return errors.New("no initializer configured")
	}
	if err := m.Run(ctx, dir); err != nil {
		return err
	}
	if !m.Initialized(dir) {
		return fmt.Errorf("initializer finished but %s is missing", m.Marker)
	}
	return nil
}

// InitError reports a failed one-time data directory initialization. It is
// never retried automatically.
type InitError struct {
	Service string
	Dir     string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: initializing %s failed: %v", e.Service, e.Dir, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
