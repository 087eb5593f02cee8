package devloop

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.restartFinished(OriginConsole, time.Second, nil)
	m.restartDropped(OriginFilesystem)
	m.scanChanges(3)
	m.monitorRejected("key")
	m.uptime(time.Now())
	assert.Nil(t, m.Registry())
}

func TestMetricsRecordsRestartFailures(t *testing.T) {
	m := NewMetrics()
	m.restartFinished(OriginFilesystem, 10*time.Millisecond, &RestartError{Phase: PhaseStart, Err: errors.New("x")})
	m.restartFinished(OriginFilesystem, 10*time.Millisecond, nil)
	m.scanChanges(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.restarts.WithLabelValues("filesystem")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("start")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.changes))
}

func TestServeMetrics(t *testing.T) {
	m := NewMetrics()
	m.restartFinished(OriginConsole, time.Millisecond, nil)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	state := StateIdle
	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() {
		served <- serveMetrics(ctx, addr, m, func() RestartState { return state }, time.Now())
	}()

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	require.Eventually(t, func() bool {
		code, _ := get("/healthz")
		return code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `devloop_restarts_total{origin="console"} 1`)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}
