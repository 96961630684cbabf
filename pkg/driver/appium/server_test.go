package appium

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// statusServer answers /status with 503 for the first notReady requests.
func statusServer(t *testing.T, notReady int32) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&hits, 1) <= notReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":{"ready":true,"message":"The server is ready to accept new connections"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fakeAppiumBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "appium")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestStartServer_ReusesRunningServer(t *testing.T) {
	ts, hits := statusServer(t, 0)

	srv, err := StartServer(context.Background(), ts.URL+"/",
		WithServerBinary("engage-no-such-appium"),
		WithServerLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.False(t, srv.Owned())
	assert.Equal(t, ts.URL, srv.URL())
	assert.NoError(t, srv.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestStartServer_InvalidURL(t *testing.T) {
	_, err := StartServer(context.Background(), "not a url")
	assert.True(t, core.IsConfigError(err))
}

func TestStartServer_MissingBinary(t *testing.T) {
	ts, _ := statusServer(t, 1000)

	_, err := StartServer(context.Background(), ts.URL, WithServerBinary("engage-no-such-appium"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrServerUnreachable))
}

func TestStartServer_LaunchesAndStops(t *testing.T) {
	ts, _ := statusServer(t, 3)
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeAppiumBinary(t, `echo "$@" > `+argsFile+"\nexec sleep 30")

	srv, err := StartServer(context.Background(), ts.URL+"/wd/hub",
		WithServerBinary(bin),
		WithServerArgs("--relaxed-security"),
		WithStartTimeout(10*time.Second),
		WithServerLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.True(t, srv.Owned())

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	want := "--address 127.0.0.1 --port " + u.Port() + " --session-override --base-path /wd/hub --relaxed-security"
	assert.Equal(t, want, strings.TrimSpace(string(data)))

	require.NoError(t, srv.Stop())
	select {
	case <-srv.done:
	default:
		t.Fatal("appium process still running after Stop")
	}
}

func TestStartServer_ProcessExitsDuringStartup(t *testing.T) {
	ts, _ := statusServer(t, 1000)
	bin := fakeAppiumBinary(t, "exit 3")

	start := time.Now()
	_, err := StartServer(context.Background(), ts.URL,
		WithServerBinary(bin),
		WithStartTimeout(30*time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrServerUnreachable))
	assert.Less(t, time.Since(start), 10*time.Second)
}
