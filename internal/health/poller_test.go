// ABOUTME: Tests for the application health poller
// ABOUTME: Uses httptest servers for healthy, unhealthy, slow and unreachable apps

package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harbor-gateway/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.NewJSONFile(filepath.Join(t.TempDir(), "apps.json")), nil)
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "1", r.Header.Get(ProbeHeader))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}

func TestPollOnce_ClassifiesOutcomes(t *testing.T) {
	reg := newRegistry(t)
	ok := healthServer(t, http.StatusOK)
	bad := healthServer(t, http.StatusServiceUnavailable)

	_, _ = reg.Register("ok", registry.AppData{URL: ok.URL})
	_, _ = reg.Register("bad", registry.AppData{URL: bad.URL + "/"})
	_, _ = reg.Register("gone", registry.AppData{URL: closedURL(t)})
	_, _ = reg.Register("nourl", registry.AppData{})

	p := NewPoller(reg, Config{Timeout: time.Second})
	results := p.PollOnce(t.Context())
	assert.Len(t, results, 3)

	get := func(name string) *registry.AppEntry {
		app, found := reg.Get(name)
		require.True(t, found)
		return app
	}
	assert.Equal(t, registry.HealthHealthy, get("ok").Health)
	assert.Equal(t, registry.HealthUnhealthy, get("bad").Health)
	assert.Equal(t, registry.HealthUnreachable, get("gone").Health)
	assert.Equal(t, registry.HealthUnknown, get("nourl").Health)
	assert.Nil(t, get("nourl").LastHealthCheck)
}

func TestPollOnce_TimeoutIsUnreachableAndDoesNotBlockOthers(t *testing.T) {
	reg := newRegistry(t)
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	ok := healthServer(t, http.StatusOK)

	_, _ = reg.Register("slow", registry.AppData{URL: slow.URL})
	_, _ = reg.Register("ok", registry.AppData{URL: ok.URL})

	p := NewPoller(reg, Config{Timeout: 100 * time.Millisecond})
	start := time.Now()
	p.PollOnce(t.Context())
	assert.Less(t, time.Since(start), 2*time.Second)

	slowApp, _ := reg.Get("slow")
	okApp, _ := reg.Get("ok")
	assert.Equal(t, registry.HealthUnreachable, slowApp.Health)
	assert.Equal(t, registry.HealthHealthy, okApp.Health)
}

func TestPollOnce_RepeatedHealthyIsIdempotent(t *testing.T) {
	reg := newRegistry(t)
	ok := healthServer(t, http.StatusOK)
	_, _ = reg.Register("web", registry.AppData{URL: ok.URL})

	p := NewPoller(reg, Config{})
	var last time.Time
	for i := 0; i < 3; i++ {
		p.PollOnce(t.Context())
		app, _ := reg.Get("web")
		assert.Equal(t, registry.HealthHealthy, app.Health)
		require.NotNil(t, app.LastHealthCheck)
		assert.True(t, app.LastHealthCheck.After(last), "lastHealthCheck must increase")
		last = *app.LastHealthCheck
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartStop(t *testing.T) {
	reg := newRegistry(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	_, _ = reg.Register("web", registry.AppData{URL: srv.URL})

	p := NewPoller(reg, Config{Interval: 20 * time.Millisecond})

	// Stop before Start is safe.
	p.Stop()

	p.Start(t.Context())
	p.Start(t.Context())
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()

	after := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, hits.Load(), "no probes after Stop")
}

func TestStop_MidPollKeepsPreviousHealth(t *testing.T) {
	reg := newRegistry(t)
	probed := make(chan struct{}, 1)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case probed <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer slow.Close()

	_, _ = reg.Register("web", registry.AppData{URL: slow.URL})
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.True(t, reg.SetHealth("web", registry.HealthHealthy, checked))

	p := NewPoller(reg, Config{Interval: time.Hour, Timeout: 5 * time.Second})
	p.Start(t.Context())
	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reached the app")
	}
	p.Stop()

	app, _ := reg.Get("web")
	assert.Equal(t, registry.HealthHealthy, app.Health)
	require.NotNil(t, app.LastHealthCheck)
	assert.True(t, checked.Equal(*app.LastHealthCheck))
}

func TestPollOnce_CancelledContextRecordsNothing(t *testing.T) {
	reg := newRegistry(t)
	_, _ = reg.Register("gone", registry.AppData{URL: closedURL(t)})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	p := NewPoller(reg, Config{Timeout: time.Second})
	assert.Nil(t, p.PollOnce(ctx))

	app, _ := reg.Get("gone")
	assert.Equal(t, registry.HealthUnknown, app.Health)
	assert.Nil(t, app.LastHealthCheck)
}
