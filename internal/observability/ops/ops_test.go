package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtsup "orbit/internal/runtime/supervisor"
	logx "orbit/pkg/logx"
)

func metricsStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "orbit_up 1\n")
	})
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsSupervisorErrors(t *testing.T) {
	healthy := rtsup.NewSupervisor(context.Background())
	broken := rtsup.NewSupervisor(context.Background())
	broken.Go("loop", func(context.Context) error { return errors.New("boom") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = broken.Wait(ctx)

	s := New(Config{}, Sources{
		Supervisors: func() map[string]*rtsup.Supervisor {
			return map[string]*rtsup.Supervisor{"engine": healthy, "ops": broken}
		},
		Details: func() map[string]any { return map[string]any{"queue_len": 3} },
	}, logx.Nop())

	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var h Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "ok", h.Components["engine"])
	assert.Contains(t, h.Components["ops"], "boom")
	assert.NotContains(t, rec.Body.String(), "queue_len")
}

func TestRuntimeReportsSnapshots(t *testing.T) {
	sup := rtsup.NewSupervisor(context.Background())
	sup.Go("worker.0", func(context.Context) error { panic("bad input") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sup.Wait(ctx)

	s := New(Config{Token: "secret"}, Sources{
		Supervisors: func() map[string]*rtsup.Supervisor {
			return map[string]*rtsup.Supervisor{"task.engine": sup, "stopped": nil}
		},
		Details: func() map[string]any { return map[string]any{"queue_len": 3} },
	}, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/runtime", nil).Code)
	rec := get(t, h, "/debug/runtime?token=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rt Runtime
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rt))
	assert.EqualValues(t, 3, rt.Details["queue_len"])
	snap := rt.Supervisors["task.engine"]
	assert.Equal(t, uint64(1), snap.Panics)
	require.Len(t, snap.Routines, 1)
	assert.Equal(t, "bad input", snap.Routines[0].LastPanic)
	assert.Contains(t, snap.FirstError, "worker.0: panic: bad input")
	assert.Empty(t, rt.Supervisors["stopped"].Routines)
}

func TestHealthOK(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestTokenProtectsMetricsAndPprof(t *testing.T) {
	s := New(Config{Token: "secret", PprofPrefix: "ops/pprof"}, Sources{Metrics: metricsStub()}, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics?token=wrong", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics?token=secret", nil).Code)

	rec := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orbit_up 1")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/ops/pprof/", nil).Code)
	rec = get(t, h, "/ops/pprof/?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	// Liveness is open.
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{Metrics: metricsStub()}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "orbit_up")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestReconfigure(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	first := s.Addr()
	require.NotEmpty(t, first)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", PprofPrefix: "/p/"}))
	assert.NotEmpty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/", normalizePrefix("/x/"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("127.0.0.1:1"))
	assert.False(t, isLoopbackAddr(":1"))
	assert.False(t, isLoopbackAddr("10.0.0.1:1"))
}
