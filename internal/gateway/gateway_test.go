// ABOUTME: Tests for the gateway HTTP API against a scripted agent server
// ABOUTME: Covers health, the 404 endpoint list, the app registry, deploys and bearer auth

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/registry"
)

const testSecret = "test-secret-for-gateway-tests"

// fakeAgent records every forwarded message and answers with reply.
type fakeAgent struct {
	mu    sync.Mutex
	msgs  []map[string]any
	reply func(msg map[string]any) any
	srv   *httptest.Server
}

func newFakeAgent(t *testing.T, reply func(msg map[string]any) any) *fakeAgent {
	t.Helper()
	a := &fakeAgent{reply: reply}
	if a.reply == nil {
		a.reply = func(map[string]any) any { return map[string]any{"success": true} }
	}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]any
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.msgs = append(a.msgs, msg)
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.reply(msg))
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) messages() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.msgs...)
}

func (a *fakeAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

// testEnv runs both gateway handlers on httptest servers.
type testEnv struct {
	gw    *Gateway
	api   *httptest.Server
	ws    *httptest.Server
	agent *fakeAgent
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, agent *fakeAgent, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	if agent == nil {
		agent = newFakeAgent(t, nil)
	}

	cfg := config.Default()
	cfg.Agent.URL = agent.srv.URL
	cfg.Agent.Timeout = 2 * time.Second
	cfg.Registry.Path = filepath.Join(t.TempDir(), "apps.json")
	cfg.Health.Disabled = true
	cfg.Metrics.Enabled = true
	for _, fn := range mutate {
		fn(cfg)
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	env := &testEnv{
		gw:    gw,
		api:   httptest.NewServer(gw.Handler()),
		ws:    httptest.NewServer(gw.WSHandler()),
		agent: agent,
	}
	t.Cleanup(env.api.Close)
	t.Cleanup(env.ws.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return env
}

// do sends a request with an optional JSON body and returns the status and raw body.
func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (e *testEnv) doJSON(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	status, raw := e.do(t, method, path, body, token)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return status, out
}

func TestGatewayNew(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.NotNil(t, env.gw.Registry())
	assert.NotNil(t, env.gw.Hub())
	assert.NotNil(t, env.gw.Coordinator())
	assert.Nil(t, env.gw.verifier, "no secret means no verifier")
}

func TestGatewayNew_SQLiteBackend(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.Config) {
		cfg.Registry.Backend = config.RegistryBackendSQLite
		cfg.Registry.Path = filepath.Join(t.TempDir(), "apps.db")
	})

	status, _ := env.doJSON(t, http.MethodPost, "/apps", map[string]any{"name": "web"}, "")
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, env.gw.Registry().Count())
}

func TestGatewayRun_ShutsDownOnCancel(t *testing.T) {
	agent := newFakeAgent(t, nil)
	cfg := config.Default()
	cfg.Agent.URL = agent.srv.URL
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Registry.Path = filepath.Join(t.TempDir(), "apps.json")
	cfg.Health.Disabled = true

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.doJSON(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.EqualValues(t, 0, body["connections"])
	assert.EqualValues(t, 0, body["deploySubscribers"])
	assert.EqualValues(t, 0, body["apps"])
	assert.Contains(t, body, "uptime")
}

func TestHandleNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "unknown path", method: http.MethodGet, path: "/nope"},
		{name: "unknown method", method: http.MethodPut, path: "/apps"},
		{name: "deploy without app", method: http.MethodPost, path: "/deploy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.doJSON(t, tt.method, tt.path, nil, "")
			assert.Equal(t, http.StatusNotFound, status)
			assert.Equal(t, "not found", body["error"])
			assert.Equal(t, tt.path, body["path"])
			assert.Equal(t, tt.method, body["method"])
			assert.Contains(t, body["endpoints"], "POST /deploy/:name")
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodGet, "/health", nil, "")
	status, raw := env.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "harbor_http_requests_total")
}

func TestAppsCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.doJSON(t, http.MethodPost, "/apps", map[string]any{"url": "http://web.internal"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "name is required", body["error"])

	status, body = env.doJSON(t, http.MethodPost, "/apps", map[string]any{"name": "web", "url": "not a url"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid url: failed url", body["error"])

	status, body = env.doJSON(t, http.MethodPost, "/apps", map[string]any{
		"name": "web",
		"uuid": "u-1",
		"url":  "http://web.internal",
		"port": 3000,
	}, "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "web", body["name"])
	assert.Equal(t, "registered", body["status"])
	assert.Equal(t, "unknown", body["health"])

	status, body = env.doJSON(t, http.MethodGet, "/apps/web", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "http://web.internal", body["url"])

	status, raw := env.do(t, http.MethodGet, "/apps", nil, "")
	assert.Equal(t, http.StatusOK, status)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "web", list[0]["name"])

	status, body = env.doJSON(t, http.MethodPatch, "/apps/web", map[string]any{"port": 9000}, "")
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 9000, body["port"])
	assert.Equal(t, "u-1", body["uuid"])

	status, body = env.doJSON(t, http.MethodPatch, "/apps/ghost", map[string]any{"port": 1}, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "app not found", body["error"])

	status, body = env.doJSON(t, http.MethodGet, "/apps/web/status", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "queue")
	assert.EqualValues(t, 0, body["subscribers"])

	status, body = env.doJSON(t, http.MethodDelete, "/apps/web", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["deleted"])

	status, _ = env.doJSON(t, http.MethodGet, "/apps/web", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeploy_UnknownApp(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.doJSON(t, http.MethodPost, "/deploy/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "app not found", body["error"])
	assert.Equal(t, "ghost", body["app"])
	assert.Zero(t, env.agent.count())
}

func TestDeploy_ForwardsAndFinishes(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.gw.Registry().Register("web", registry.AppData{UUID: "u-1", URL: "http://web.internal"})
	require.NoError(t, err)

	status, body := env.doJSON(t, http.MethodPost, "/deploy/web", map[string]any{"ref": "main", "trigger": "ci"}, "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "web", body["app"])
	assert.Equal(t, true, body["started"])
	deployID, _ := body["deployId"].(string)
	require.NotEmpty(t, deployID)

	require.Eventually(t, func() bool {
		app, _ := env.gw.Registry().Get("web")
		return app.LastDeploy != nil && app.LastDeploy.Status == registry.DeployFinished
	}, 2*time.Second, 10*time.Millisecond)

	msgs := env.agent.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "deploy", msgs[0]["type"])
	assert.Equal(t, deployID, msgs[0]["deployId"])
	assert.Equal(t, "main", msgs[0]["ref"])
	assert.Equal(t, "ci", msgs[0]["trigger"])

	app, _ := env.gw.Registry().Get("web")
	assert.Equal(t, registry.AppStatusRunning, app.Status)
	assert.Equal(t, deployID, app.LastDeploy.DeployID)
}

func TestDeploy_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.gw.Registry().Register("web", registry.AppData{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.api.URL+"/deploy/web", strings.NewReader("[1,2"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRollback_Accepted(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.gw.Registry().Register("web", registry.AppData{})
	require.NoError(t, err)

	status, body := env.doJSON(t, http.MethodPost, "/apps/web/rollback", nil, "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "rollback", body["kind"])

	require.Eventually(t, func() bool { return env.agent.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "rollback", env.agent.messages()[0]["type"])
}

func TestAuth_ProtectedRoutes(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = testSecret
	})
	issuer := auth.NewJWTVerifier([]byte(testSecret))
	appsToken, err := issuer.Issue("alice", time.Hour, "apps")
	require.NoError(t, err)
	deployToken, err := issuer.Issue("ci", time.Hour, "deploy")
	require.NoError(t, err)

	status, body := env.doJSON(t, http.MethodPost, "/apps", map[string]any{"name": "web"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing authorization header", body["error"])

	status, body = env.doJSON(t, http.MethodPost, "/apps", map[string]any{"name": "web"}, deployToken)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "apps scope required", body["error"])

	status, _ = env.doJSON(t, http.MethodPost, "/apps", map[string]any{"name": "web"}, appsToken)
	assert.Equal(t, http.StatusCreated, status)

	status, _ = env.doJSON(t, http.MethodGet, "/apps", nil, "")
	assert.Equal(t, http.StatusOK, status, "reads stay open")

	status, body = env.doJSON(t, http.MethodPost, "/deploy/web", nil, deployToken)
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool { return env.agent.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ci", env.agent.messages()[0]["trigger"], "token subject becomes the trigger")
	assert.NotEmpty(t, body["deployId"])
}

func TestTailnetStateDir(t *testing.T) {
	dir, err := tailnetStateDir("/var/lib/harbor/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/harbor/ts", dir)

	t.Setenv("XDG_DATA_HOME", "/data")
	dir, err = tailnetStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "harbor-gateway", "tailscale"), dir)
}

func TestTailnetAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := tailnetAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := tailnetAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = tailnetAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}
