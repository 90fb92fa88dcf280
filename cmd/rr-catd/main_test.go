package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-catd/internal/catd/config"
	"github.com/haukened/rr-catd/internal/catd/domain"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func setTestEnv(t *testing.T, redisURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CATD_ENV", "dev")
	t.Setenv("CATD_LOG__LEVEL", "debug")
	t.Setenv("CATD_HTTP__PORT", fmt.Sprintf("%d", freePort(t)))
	t.Setenv("CATD_HTTP__SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("CATD_STORE__DRIVER", "sqlite")
	t.Setenv("CATD_STORE__DSN", filepath.Join(dir, "categories.db"))
	t.Setenv("CATD_STORE__INIT_ATTEMPTS", "1")
	t.Setenv("CATD_STORE__PREFILTER_CAPACITY", "1000")
	t.Setenv("CATD_REDIS__URL", redisURL)
	t.Setenv("CATD_CACHE__MAX_KEYS", "100")
	t.Setenv("CATD_LISTS__SCRATCH_DIR", filepath.Join(dir, "scratch"))
	t.Setenv("CATD_LISTS__ARTIFACT_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("CATD_LISTS__META_DB", filepath.Join(dir, "meta.db"))
}

// TestApplication_Integration tests the full application lifecycle
func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("10.0.0.1", "www.example.com"))
	setTestEnv(t, "redis://"+mr.Addr()+"/0")

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, app)

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run(ctx)
	}()

	var addr string
	select {
	case addr = <-app.addr:
	case err := <-appErr:
		t.Fatalf("application exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	post := func(path, body string) *http.Response {
		resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post("/api/hosts", `{"hostname":"example.com","category":"ads"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = post("/lookupip", `{"ip":"10.0.0.1","category":"ads"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result domain.LookupResult
	decodeJSON(t, resp, &result)
	assert.True(t, result.Match)
	require.NotNil(t, result.Result)
	assert.Equal(t, "example.com", result.Result.Domain)

	resp, err = http.Get(base + "/api/lists/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	cancel()

	select {
	case err := <-appErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down in time")
	}
}

func TestBuildApplication_UnreachableRedisIsNotFatal(t *testing.T) {
	setTestEnv(t, fmt.Sprintf("redis://127.0.0.1:%d/0", freePort(t)))
	t.Setenv("CATD_REDIS__DIAL_TIMEOUT", "100ms")

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApplication(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, app.repos.reverse.Ready())

	result, err := app.service.LookupByIP(ctx, "10.0.0.1", "ads")
	require.NoError(t, err)
	assert.False(t, result.Match)
	app.service.Close()
	app.repos.close()
}

func TestBuildApplication_BadStoreDriver(t *testing.T) {
	setTestEnv(t, "redis://127.0.0.1:6379/0")

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store.Driver = "mysql"

	_, err = buildApplication(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildApplication_StoreInitCancelled(t *testing.T) {
	setTestEnv(t, "redis://127.0.0.1:6379/0")
	t.Setenv("CATD_STORE__DRIVER", "postgres")
	t.Setenv("CATD_STORE__DSN", "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1")
	t.Setenv("CATD_STORE__INIT_ATTEMPTS", "0")

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = buildApplication(ctx, cfg)
	assert.Error(t, err)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
