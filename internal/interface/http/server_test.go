package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koda-community/koda-bot/internal/infrastructure/metrics"
	"github.com/koda-community/koda-bot/internal/interface/http/handlers"
	"github.com/koda-community/koda-bot/pkg/logger"
)

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	collector.CommandHandled("stats")

	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("store", func(context.Context) error { return nil })

	srv := NewServer(DefaultConfig(), Dependencies{
		Metrics: metrics.Handler(reg),
		Health:  health,
		Logger:  logger.Discard(),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.Equal(t, "test", status.Version)
	assert.True(t, status.Checks["store"].Healthy)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `koda_router_commands_total{action="stats"} 1`)
}

func TestServer_ReadyFailsWhenACheckFails(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("")
	health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	health.AddCheck("store", func(context.Context) error { return nil })

	srv := NewServer(DefaultConfig(), Dependencies{Health: health, Logger: logger.Discard()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Some checks failed: redis")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(Config{Addr: ln.Addr().String(), ShutdownTimeout: time.Second}, Dependencies{Logger: logger.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
