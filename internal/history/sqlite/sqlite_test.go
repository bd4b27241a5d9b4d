package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcvisor/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := time.Now().Add(-time.Minute).UTC()

	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: start,
		Service:    "backend",
		PID:        12345,
		State:      "running",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventFailed,
		OccurredAt: start.Add(30 * time.Second),
		Service:    "backend",
		PID:        12345,
		State:      "failed",
		Error:      "restart budget exhausted",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: start.Add(40 * time.Second),
		Service:    "postgres",
		PID:        222,
		State:      "running",
	}))

	events, err := sink.Recent(ctx, "backend", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventFailed, events[0].Type)
	assert.Equal(t, "restart budget exhausted", events[0].Error)
	assert.Equal(t, history.EventStart, events[1].Type)
	assert.Empty(t, events[1].Error)

	all, err := sink.Recent(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := sink.Recent(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "postgres", limited[0].Service)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	err = sink.Send(context.Background(), history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Service:    "ollama",
		PID:        54321,
		State:      "stopped",
	})
	require.NoError(t, err)

	events, err := sink.Recent(context.Background(), "ollama", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 54321, events[0].PID)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sink.Send(ctx, history.Event{Type: history.EventStart, Service: "x"})
	assert.Error(t, err)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
