package port

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// occupy binds a free loopback port and keeps it bound for the rest of the test.
func occupy(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func TestFindAvailablePortReturnsStartWhenFree(t *testing.T) {
	p := freePort(t)
	got, err := FindAvailablePort(p, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestFindAvailablePortZeroIncrementsOccupied(t *testing.T) {
	p := occupy(t)
	_, err := FindAvailablePort(p, 0)
	require.Error(t, err)

	var pe *PortExhaustedError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, p, pe.StartPort)
	assert.Equal(t, 0, pe.MaxIncrements)
	assert.True(t, errors.Is(err, ErrPortExhausted))
}

func TestFindAvailablePortSkipsOccupied(t *testing.T) {
	p := occupy(t)
	got, err := FindAvailablePort(p, 50)
	require.NoError(t, err)
	assert.Greater(t, got, p)
	assert.LessOrEqual(t, got, p+50)
}

func TestFindAvailablePortStaysInRange(t *testing.T) {
	p := occupy(t)
	for n := 0; n < 5; n++ {
		got, err := FindAvailablePort(p, n)
		if err != nil {
			assert.True(t, errors.Is(err, ErrPortExhausted))
			continue
		}
		assert.GreaterOrEqual(t, got, p)
		assert.LessOrEqual(t, got, p+n)
	}
}

func TestFindAvailablePortNegativeIncrements(t *testing.T) {
	p := occupy(t)
	_, err := FindAvailablePort(p, -3)
	var pe *PortExhaustedError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, pe.MaxIncrements)
}

func TestFindAvailablePortInvalidStart(t *testing.T) {
	_, err := FindAvailablePort(0, 5)
	assert.Error(t, err)
	_, err = FindAvailablePort(70000, 5)
	assert.Error(t, err)
}

func TestIsFreeBindsLoopbackOnly(t *testing.T) {
	p := occupy(t)
	assert.False(t, IsFree(p))
	assert.Contains(t, (&PortExhaustedError{StartPort: p, MaxIncrements: 2}).Error(), strconv.Itoa(p+2))
}
