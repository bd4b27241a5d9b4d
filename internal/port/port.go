// Package port finds free loopback TCP ports for locally supervised services.
//
// The check binds a listener and releases it immediately, so another local
// process may grab the port before the service binds it. That window is
// accepted for a single-user supervisor.
package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultMaxIncrements is the number of ports tried after the preferred one.
const DefaultMaxIncrements = 50

const maxPort = 65535

// ErrPortExhausted is matched by every *PortExhaustedError via errors.Is.
var ErrPortExhausted = errors.New("no free port available")

// PortExhaustedError reports that no port in [StartPort, StartPort+MaxIncrements] was free.
type PortExhaustedError struct {
	StartPort     int
	MaxIncrements int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.StartPort, e.StartPort+e.MaxIncrements)
}

func (e *PortExhaustedError) Is(target error) bool { return target == ErrPortExhausted }

// FindAvailablePort returns the first port in [startPort, startPort+maxIncrements]
// that can be bound on 127.0.0.1.
func FindAvailablePort(startPort, maxIncrements int) (int, error) {
	if maxIncrements < 0 {
		maxIncrements = 0
	}
	if startPort <= 0 || startPort > maxPort {
		return 0, fmt.Errorf("start port %d out of range", startPort)
	}
	for candidate := startPort; candidate <= startPort+maxIncrements && candidate <= maxPort; candidate++ {
		if IsFree(candidate) {
			return candidate, nil
		}
	}
	return 0, &PortExhaustedError{StartPort: startPort, MaxIncrements: maxIncrements}
}

// IsFree reports whether port can currently be bound on the loopback interface.
func IsFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
