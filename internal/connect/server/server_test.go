package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestProbes(t *testing.T) {
	ready := false
	srv, err := New(context.Background(), Config{
		Registry: prometheus.NewRegistry(),
		Ready:    func() bool { return ready },
	})
	require.NoError(t, err)

	code, body := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"HEALTHY"}`, body)

	code, body = get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"status":"NOT_SERVING"}`, body)

	ready = true
	code, body = get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"SERVING"}`, body)
}

func TestReadyzAfterShutdownSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, Config{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	cancel()
	code, _ := get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsAndHandlers(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	var gotOpts int
	srv, err := New(context.Background(), Config{Registry: reg}, func(opts ...connect.HandlerOption) (string, http.Handler) {
		gotOpts = len(opts)
		return "/test.v1.Service/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gotOpts)

	code, body := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test_events_total 1")

	code, _ = get(t, srv.Handler(), "/test.v1.Service/Ping")
	assert.Equal(t, http.StatusTeapot, code)
}
