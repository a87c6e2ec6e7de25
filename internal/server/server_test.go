package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/config"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Remote: config.RemoteConfig{
			BaseURL:  "http://127.0.0.1:1",
			PageSize: 10,
			Timeout:  time.Second,
		},
		Runner: config.RunnerConfig{
			InterPageDelay:   time.Second,
			NoAccountBackoff: time.Second,
			TransientBackoff: time.Second,
			OutputDir:        filepath.Join(dir, "output"),
		},
		Schedule: config.ScheduleConfig{Enabled: true, Timezone: "Asia/Shanghai", CreateAt: "00:30", StopAt: "23:50"},
		Storage:  config.StorageConfig{Backend: backend, SQLitePath: filepath.Join(dir, "crawler.db")},
	}
}

func TestBuildServesControlSurface(t *testing.T) {
	t.Parallel()

	tests := []string{config.BackendMemory, config.BackendSQLite}
	for _, backend := range tests {
		backend := backend
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, backend)
			app, err := Build(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"date":"2024-05-01"}`))
			rec := httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusCreated, rec.Code)

			jobs, err := app.Registry().List(context.Background())
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			require.True(t, jobs[0].StopFlag)

			info, err := os.Stat(jobs[0].OutputPath)
			require.NoError(t, err)
			require.Zero(t, info.Size())
		})
	}
}

func TestBuildFailsOnUnreachablePostgres(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendPostgres)
	cfg.Database.DSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Build(ctx, cfg, zap.NewNop())
	require.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	port := freePort(t)
	cfg := testConfig(t, config.BackendMemory)
	cfg.Server.Port = port
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWaitsForHealthSweep(t *testing.T) {
	t.Parallel()

	probeStarted := make(chan struct{})
	var startOnce sync.Once
	var probeFinished atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sys/getCheckCode":
			_, _ = w.Write([]byte(`{"success":true,"result":{"code":"1234","key":"k1"}}`))
		case "/sys/login":
			_, _ = w.Write([]byte(`{"success":true,"result":{"token":"tok-1"}}`))
		case "/sys/user/getUserInfo":
			startOnce.Do(func() { close(probeStarted) })
			time.Sleep(500 * time.Millisecond)
			probeFinished.Store(true)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t, config.BackendMemory)
	cfg.Server.Port = freePort(t)
	cfg.Remote.BaseURL = upstream.URL
	cfg.Health = config.HealthConfig{Enabled: true, Interval: time.Hour}
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts",
		bytes.NewBufferString(`{"username":"alice","password":"pw"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/accounts/alice/online",
		bytes.NewBufferString(`{"online":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-probeStarted:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("health sweep never probed the account")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.True(t, probeFinished.Load(), "Run returned before the health sweep finished")
}
