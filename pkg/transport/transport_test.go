package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/all-smi/all-smi-go/pkg/exporter"
	"github.com/all-smi/all-smi-go/pkg/state"
)

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

func queryServer(addr, path string) (*http.Response, error) {
	return http.Get(fmt.Sprintf("http://%s%s", addr, path))
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	st := state.New(nil)
	exp := exporter.New(false)

	srv, err := New(Config{
		Exporter:  exp,
		State:     st,
		TCPAddr:   addr,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)

	go srv.Start()
	defer srv.Shutdown(context.Background())

	waitForServer(t, addr)

	resp, err := queryServer(addr, "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := queryServer(addr, "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ok")
}

func TestServerServesLandingPage(t *testing.T) {
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv, err := New(Config{
		Exporter:  exporter.New(false),
		State:     state.New(nil),
		TCPAddr:   addr,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)

	go srv.Start()
	defer srv.Shutdown(context.Background())

	waitForServer(t, addr)

	resp, err := queryServer(addr, "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRateLimitsExcessRequests(t *testing.T) {
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv, err := New(Config{
		Exporter:  exporter.New(false),
		State:     state.New(nil),
		TCPAddr:   addr,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)

	go srv.Start()
	defer srv.Shutdown(context.Background())

	waitForServer(t, addr)

	var sawLimited bool

	for i := 0; i < incomingRateLimit+5; i++ {
		resp, err := queryServer(addr, "/health")
		require.NoError(t, err)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			sawLimited = true
		}
	}

	require.True(t, sawLimited, "expected at least one request to be rate limited")
}

func TestBindUnixSocketReplacesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "all-smi.sock")

	// Simulate a stale socket file left behind by a crashed process: a
	// listener bound and then closed without unlinking.
	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	listener, err := bindUnixSocket(path)
	require.NoError(t, err)
	defer listener.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBindUnixSocketRefusesLiveSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "all-smi.sock")

	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer listener.Close()

	go http.Serve(listener, http.NewServeMux())

	_, err = bindUnixSocket(path)
	require.Error(t, err)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()

	for i := 0; i < 20; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			conn.Close()

			return
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatalf("server at %s did not start in time", addr)
}
