package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout is applied when a Spec carries no timeout.
const DefaultTimeout = 2 * time.Second

// Kind discriminates the Spec union.
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
)

// Spec describes a single point-in-time health probe.
// Exactly one variant is populated, selected by Kind:
//   - KindHTTP: URL
//   - KindTCP:  Host, Port
type Spec struct {
	Kind    Kind          `json:"kind" mapstructure:"kind"`
	URL     string        `json:"url,omitempty" mapstructure:"url"`
	Host    string        `json:"host,omitempty" mapstructure:"host"`
	Port    int           `json:"port,omitempty" mapstructure:"port"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// HTTP returns an HTTP GET probe spec.
func HTTP(url string, timeout time.Duration) Spec {
	return Spec{Kind: KindHTTP, URL: url, Timeout: timeout}
}

// TCP returns a raw TCP connect probe spec.
func TCP(host string, port int, timeout time.Duration) Spec {
	return Spec{Kind: KindTCP, Host: host, Port: port, Timeout: timeout}
}

// Validate reports whether the variant selected by Kind is complete.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindHTTP:
		if s.URL == "" {
			return errors.New("http health check requires url")
		}
	case KindTCP:
		if s.Host == "" {
			return errors.New("tcp health check requires host")
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("tcp health check port %d out of range", s.Port)
		}
	default:
		return fmt.Errorf("unknown health check kind %q", s.Kind)
	}
	if s.Timeout < 0 {
		return errors.New("health check timeout cannot be negative")
	}
	return nil
}

func (s Spec) String() string {
	switch s.Kind {
	case KindHTTP:
		return "http:" + s.URL
	case KindTCP:
		return "tcp:" + s.Addr()
	default:
		return "unknown:" + string(s.Kind)
	}
}

// Addr returns host:port for TCP specs.
func (s Spec) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

func (s Spec) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// Checker performs a probe. Implementations never return errors: every failure is false.
type Checker interface {
	Check(ctx context.Context, spec Spec) bool
}

// Func adapts a plain function to Checker.
type Func func(ctx context.Context, spec Spec) bool

func (f Func) Check(ctx context.Context, spec Spec) bool { return f(ctx, spec) }

// Prober is the default Checker. The zero value is ready to use.
type Prober struct {
	// Client is used for HTTP probes; a client without keep-alives is used when nil.
	Client *http.Client
}

// NewProber returns a Prober whose HTTP client does not pool connections,
// so a probe never holds a socket open after it returns.
func NewProber() *Prober {
	return &Prober{Client: &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}}
}

// Check runs one probe without retries.
func (p *Prober) Check(ctx context.Context, spec Spec) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	switch spec.Kind {
	case KindHTTP:
		return p.checkHTTP(ctx, spec)
	case KindTCP:
		return checkTCP(ctx, spec)
	default:
		return false
	}
}

func (p *Prober) client() *http.Client {
	if p != nil && p.Client != nil {
		return p.Client
	}
	return defaultClient
}

var defaultClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

func (p *Prober) checkHTTP(ctx context.Context, spec Spec) bool {
	if spec.URL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func checkTCP(ctx context.Context, spec Spec) bool {
	if spec.Host == "" || spec.Port <= 0 {
		return false
	}
	d := net.Dialer{Timeout: spec.timeout()}
	conn, err := d.DialContext(ctx, "tcp", spec.Addr())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
