package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusNoContent)
		case "/slow":
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewProber()
	ctx := context.Background()

	assert.True(t, p.Check(ctx, HTTP(srv.URL+"/ok", time.Second)))
	assert.False(t, p.Check(ctx, HTTP(srv.URL+"/down", time.Second)), "5xx must be unhealthy")

	start := time.Now()
	assert.False(t, p.Check(ctx, HTTP(srv.URL+"/slow", 50*time.Millisecond)), "timeout must be unhealthy")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timeout must cancel the request")
}

func TestHTTPProbeConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	var p Prober
	assert.False(t, p.Check(context.Background(), HTTP("http://"+addr+"/", 200*time.Millisecond)))
}

func TestTCPProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := l.Addr().(*net.TCPAddr).Port

	p := NewProber()
	assert.True(t, p.Check(context.Background(), TCP("127.0.0.1", port, time.Second)))

	_ = l.Close()
	assert.False(t, p.Check(context.Background(), TCP("127.0.0.1", port, 200*time.Millisecond)))
}

func TestUnknownKindIsUnhealthy(t *testing.T) {
	p := NewProber()
	assert.False(t, p.Check(context.Background(), Spec{Kind: "grpc"}))
	assert.False(t, p.Check(context.Background(), Spec{Kind: KindTCP}))
	assert.False(t, p.Check(context.Background(), Spec{Kind: KindHTTP}))
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"http ok", HTTP("http://127.0.0.1:7777/health", time.Second), false},
		{"tcp ok", TCP("127.0.0.1", 5432, time.Second), false},
		{"http missing url", Spec{Kind: KindHTTP}, true},
		{"tcp missing host", Spec{Kind: KindTCP, Port: 1}, true},
		{"tcp bad port", TCP("127.0.0.1", 70000, 0), true},
		{"unknown kind", Spec{Kind: "udp"}, true},
		{"negative timeout", HTTP("http://x", -time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, "tcp:127.0.0.1:5432", TCP("127.0.0.1", 5432, 0).String())
	assert.Equal(t, "http:http://h/x", HTTP("http://h/x", 0).String())
}
