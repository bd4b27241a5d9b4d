package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventRestart  EventType = "restart"
	EventFailed   EventType = "failed"
	EventExternal EventType = "external"
)

// Event is a supervised service lifecycle change exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Recent(ctx context.Context, service string, limit int) ([]Event, error)
}

// SendTimeout bounds a single best-effort dispatch.
const SendTimeout = 3 * time.Second

// Dispatch sends e to every sink. Failures are logged and joined but never
// retried; history is advisory.
func Dispatch(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) error {
	if len(sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	var errs []error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			if log != nil {
				log.Warn("history sink send failed", "service", e.Service, "type", e.Type, "error", err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func Close(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in process. Used when no DSN is configured and in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory returns a Memory sink holding at most limit events (0 = 1000).
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 1000
	}
	return &Memory{limit: limit}
}

func (m *Memory) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if over := len(m.events) - m.limit; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	return nil
}

// Recent returns up to limit events for service, newest first. An empty
// service matches all.
func (m *Memory) Recent(_ context.Context, service string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if service != "" && m.events[i].Service != service {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
