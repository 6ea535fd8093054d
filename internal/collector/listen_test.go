package collector

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenRandomPort(t *testing.T) {
	t.Parallel()

	ln, err := Listen(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.GreaterOrEqual(t, port, randomPortMin)
	assert.LessOrEqual(t, port, randomPortMax)
}

func TestServeUntilCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"example.com"}, Config{})
	ln, err := Listen(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.server.Serve(ctx, ln) }()

	endpoint := Endpoint(ln)
	require.Eventually(t, func() bool {
		resp, err := http.Get(endpoint + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEndpointUnspecifiedHost(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	assert.Regexp(t, `^http://127\.0\.0\.1:\d+$`, Endpoint(ln))
}
