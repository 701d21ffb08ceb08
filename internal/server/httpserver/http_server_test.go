package httpserver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undergrid/hell/internal/access"
	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/hell"
)

type fixture struct {
	srv    *httptest.Server
	apiKey string
	ctrl   *hell.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:         "127.0.0.1:0",
			RateLimitPerMinute: 100,
			ShutdownTimeout:    config.Duration(time.Second),
		},
		Supervisor: config.SupervisorConfig{
			GracePeriod:       config.Duration(2 * time.Second),
			MonitorInterval:   config.Duration(time.Second),
			StartupProbeDelay: config.Duration(50 * time.Millisecond),
			WatchdogCeiling:   config.Duration(time.Minute),
			MaxFailedStarts:   3,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   config.Duration(10 * time.Millisecond),
			Multiplier:  2,
			MaxDelay:    config.Duration(50 * time.Millisecond),
		},
		Update: config.UpdateConfig{WorkspaceDir: t.TempDir()},
		Store:  config.StoreConfig{EventsDB: ":memory:", AccessDB: ":memory:"},
	}

	ctrl, err := hell.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	store, err := access.NewStore(cfg.Store.AccessDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	inv, err := store.CreateInvitation(context.Background(), time.Hour)
	require.NoError(t, err)
	key, err := store.RedeemInvitation(context.Background(), inv.Code)
	require.NoError(t, err)

	server := New(cfg.Server, Options{
		Controller:   ctrl,
		AccessStore:  store,
		UpdateConfig: cfg.Update,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: ts, apiKey: key, ctrl: ctrl}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-API-KEY", f.apiKey)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/healthz", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "GET", "/api/daemons/", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "GET", "/api/daemons/", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemonLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	spec := map[string]any{
		"name":              "worker",
		"working_directory": t.TempDir(),
		"command":           "sh",
		"args":              []string{"-c", "sleep 30"},
	}
	body, _ := json.Marshal(spec)
	resp := f.do(t, "POST", "/api/daemons/create", bytes.NewReader(body), true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]any
	decodeBody(t, resp, &created)
	assert.Equal(t, "worker", created["name"])

	// Duplicate names conflict.
	resp = f.do(t, "POST", "/api/daemons/create", bytes.NewReader(body), true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "POST", "/api/daemon/worker/start", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var started map[string]any
	decodeBody(t, resp, &started)
	assert.Equal(t, "running", started["state"])

	// Stopping twice is a conflict the second time.
	resp = f.do(t, "POST", "/api/daemon/worker/stop", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "POST", "/api/daemon/worker/stop", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, "DELETE", "/api/daemon/worker", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "POST", "/api/daemon/worker/start", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/create-invitation", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var inv map[string]any
	decodeBody(t, resp, &inv)
	code, _ := inv["code"].(string)
	require.NotEmpty(t, code)

	body, _ := json.Marshal(map[string]string{"invitation": code})
	resp = f.do(t, "POST", "/api/generate-api-key", bytes.NewReader(body), false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var minted map[string]string
	decodeBody(t, resp, &minted)
	assert.NotEmpty(t, minted["key"])

	// Single use: the same code cannot mint a second key.
	resp = f.do(t, "POST", "/api/generate-api-key", bytes.NewReader(body), false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdateViaMultipartArchive(t *testing.T) {
	f := newFixture(t)

	spec := map[string]any{
		"name":              "bot",
		"working_directory": t.TempDir(),
		"command":           "sh",
		"args":              []string{"-c", "sleep 30"},
	}
	body, _ := json.Marshal(spec)
	resp := f.do(t, "POST", "/api/daemons/create", bytes.NewReader(body), true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Build a small zip in memory and upload it.
	archivePath := filepath.Join(t.TempDir(), "code.zip")
	zf, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	w, err := zw.Create("main.py")
	require.NoError(t, err)
	_, err = w.Write([]byte("print('v1')\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", "code.zip")
	require.NoError(t, err)
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("POST", f.srv.URL+"/api/daemon/bot/update", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-KEY", f.apiKey)
	upResp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, upResp.StatusCode)

	var job map[string]any
	decodeBody(t, upResp, &job)
	written, _ := job["written"].([]any)
	assert.Len(t, written, 1)
}

func TestRateLimitOnCredentialEndpoints(t *testing.T) {
	f := newFixture(t)
	// Rebuild with a tight limit.
	cfg := config.ServerConfig{ListenAddr: "127.0.0.1:0", RateLimitPerMinute: 2}
	store, err := access.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := New(cfg, Options{Controller: f.ctrl, AccessStore: store})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	statuses := make([]int, 3)
	for i := range statuses {
		resp, err := ts.Client().Post(ts.URL+"/api/create-invitation", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		statuses[i] = resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestSystemStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/hell/start", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/hell/status", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decodeBody(t, resp, &status)
	assert.Equal(t, "running", status["state"])

	resp = f.do(t, "POST", "/api/hell/stop", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Stopping an already stopped system is an invalid transition.
	resp = f.do(t, "POST", "/api/hell/stop", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
