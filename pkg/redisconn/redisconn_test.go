package redisconn

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDisabledConn(t *testing.T) {
	c := New("", quiet())
	defer c.Close()

	assert.False(t, c.Healthy())
	_, ok := c.Client()
	assert.False(t, ok)
}

func TestConnHealthyAgainstBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New("redis://"+mr.Addr(), quiet())
	defer c.Close()

	require.True(t, c.Healthy())
	client, ok := c.Client()
	require.True(t, ok)

	err := client.Do(context.Background(), client.B().Set().Key("k").Value("v").Build()).Error()
	require.NoError(t, err)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnStartsDegradedWhenUnreachable(t *testing.T) {
	c := New("redis://127.0.0.1:1", quiet())
	defer c.Close()

	assert.False(t, c.Healthy())
	_, ok := c.Client()
	assert.False(t, ok)
}

func TestFailThreshold(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New("redis://"+mr.Addr(), quiet())
	defer c.Close()

	boom := fmt.Errorf("boom")
	c.Fail(boom)
	c.Fail(boom)
	assert.True(t, c.Healthy(), "two failures stay healthy")

	c.Fail(boom)
	assert.False(t, c.Healthy(), "third consecutive failure degrades")
}

func TestOKResetsFailureCount(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New("redis://"+mr.Addr(), quiet())
	defer c.Close()

	boom := fmt.Errorf("boom")
	c.Fail(boom)
	c.Fail(boom)
	c.OK()
	c.Fail(boom)
	c.Fail(boom)
	assert.True(t, c.Healthy(), "a success in between resets the counter")
}

func TestConnRecoversAfterBackendRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New("redis://"+mr.Addr(), quiet(),
		WithSuperviseTiming(10*time.Millisecond, 50*time.Millisecond))
	defer c.Close()
	require.True(t, c.Healthy())

	// Kill the backend; the supervisor's ping degrades the connection.
	mr.Close()
	require.Eventually(t, func() bool { return !c.Healthy() },
		5*time.Second, 5*time.Millisecond, "ping against a dead backend must degrade")

	// Bring it back on the same port; the supervisor reconnects.
	require.NoError(t, mr.Restart())
	require.Eventually(t, c.Healthy,
		5*time.Second, 5*time.Millisecond, "supervisor must flip back to healthy")

	client, ok := c.Client()
	require.True(t, ok)
	err := client.Do(context.Background(), client.B().Set().Key("after").Value("recovery").Build()).Error()
	require.NoError(t, err)
	got, err := mr.Get("after")
	require.NoError(t, err)
	assert.Equal(t, "recovery", got)
}

func TestCloseIdempotentUse(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New("redis://"+mr.Addr(), quiet())

	c.Close()
	assert.False(t, c.Healthy())
	_, ok := c.Client()
	assert.False(t, ok)
}
