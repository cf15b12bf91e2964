package shellcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/logger"
)

func TestRegister_FailedInstallKeepsPreviousWorker(t *testing.T) {
	o := newTestOrigin(t)
	svc := newTestService(t, testConfig(t, o.URL()))

	v1, err := svc.Register(context.Background())
	require.NoError(t, err)
	require.Same(t, v1, svc.Active())

	svc.cfg.Cache.Generation = "egoos-cache-v2"
	o.breakPath("/index.html", true)
	_, err = svc.Register(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)

	assert.Same(t, v1, svc.Active())
	assert.Equal(t, StateActivated, v1.State())
	assert.Equal(t, []string{"egoos-cache-v1"}, svc.storage.Keys())

	resp, err := v1.Fetch(getRequest(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)

	o.breakPath("/index.html", false)
	v2, err := svc.Register(context.Background())
	require.NoError(t, err)

	assert.Same(t, v2, svc.Active())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, []string{"egoos-cache-v2"}, svc.storage.Keys())
}

func TestStart_RetriesFailedInstall(t *testing.T) {
	o := newTestOrigin(t)
	o.breakPath("/", true)
	cfg := testConfig(t, o.URL(), func(c *Config) { c.Install.RetryEvery = "20ms" })
	svc := newTestService(t, cfg)

	svc.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Active())

	o.breakPath("/", false)
	require.Eventually(t, func() bool { return svc.Active() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, DefaultGeneration, svc.Active().Generation())
}

func TestStart_ServesPersistedGenerationWhenOriginDown(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL())

	first, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)
	_, err = first.Register(context.Background())
	require.NoError(t, err)
	first.Close()
	o.srv.Close()

	svc := newTestService(t, cfg)
	svc.Start()

	w := svc.Active()
	require.NotNil(t, w)
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, DefaultGeneration, w.Generation())

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, getRequest(t, "/index.html"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SourceHit, rec.Header().Get(sourceHeader))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, getRequest(t, "/section/dreams"))
	assert.Equal(t, SourceFallback, rec.Header().Get(sourceHeader))
}

func TestStart_ReinstallsIncompleteGeneration(t *testing.T) {
	o := newTestOrigin(t)
	svc := newTestService(t, testConfig(t, o.URL()))
	partial, err := svc.storage.Open(DefaultGeneration, 0)
	require.NoError(t, err)
	require.NoError(t, partial.Put("GET /", newEntry(http.StatusOK, nil, []byte("stale root"), 1)))

	svc.Start()
	require.Eventually(t, func() bool { return svc.Active() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, o.hitsFor("/index.html"))
	c := svc.Active().currentCache()
	assert.True(t, c.Has("GET /index.html"))
	got, ok := c.Match("GET /")
	require.True(t, ok)
	assert.Equal(t, "<html>root</html>", string(got.Body))
}

func TestPurge_KeepsConfiguredGeneration(t *testing.T) {
	o := newTestOrigin(t)
	svc := newTestService(t, testConfig(t, o.URL()))
	for _, tag := range []string{"egoos-cache-v0", "egoos-cache-v1", "scratch"} {
		_, err := svc.storage.Open(tag, 0)
		require.NoError(t, err)
	}

	deleted, err := svc.Purge(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"egoos-cache-v0", "scratch"}, deleted)
	assert.Equal(t, []string{"egoos-cache-v1"}, svc.storage.Keys())
}

func TestHandler_PassThroughWithoutWorker(t *testing.T) {
	o := newTestOrigin(t)
	svc := newTestService(t, testConfig(t, o.URL()))

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, getRequest(t, "/index.html"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SourceBypass, rec.Header().Get(sourceHeader))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	svc.storage.Sync()
	assert.Empty(t, svc.storage.Keys())
}

func TestHandler_ServesThroughActiveWorker(t *testing.T) {
	o := newTestOrigin(t)
	o.set("/section/dreams", "B")
	svc := newTestService(t, testConfig(t, o.URL()))
	_, err := svc.Register(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(b)
	}

	resp, body := get("/index.html")
	assert.Equal(t, SourceHit, resp.Header.Get(sourceHeader))
	assert.Equal(t, "test", resp.Header.Get("X-Origin"))
	assert.Equal(t, "<html>shell</html>", body)

	resp, body = get("/section/dreams")
	assert.Equal(t, SourceMiss, resp.Header.Get(sourceHeader))
	assert.Equal(t, "B", body)

	svc.storage.Sync()
	o.srv.Close()

	resp, body = get("/section/dreams")
	assert.Equal(t, SourceHit, resp.Header.Get(sourceHeader))
	assert.Equal(t, "B", body)

	resp, body = get("/section/work")
	assert.Equal(t, SourceFallback, resp.Header.Get(sourceHeader))
	assert.Equal(t, "<html>shell</html>", body)

	ss := svc.stats.Snapshot()
	assert.EqualValues(t, 2, ss.Hits)
	assert.EqualValues(t, 1, ss.Misses)
	assert.EqualValues(t, 1, ss.Fallbacks)
}

func TestHandler_BadGatewayWhenNothingCanServe(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL(), func(c *Config) { c.Cache.Seed = []string{"/"} })
	svc := newTestService(t, cfg)
	_, err := svc.Register(context.Background())
	require.NoError(t, err)
	o.srv.Close()

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, getRequest(t, "/section/dreams"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, SourceBadGateway, rec.Header().Get(sourceHeader))
	assert.EqualValues(t, 1, svc.stats.Snapshot().Failures)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, sourceHeader)
	assert.Equal(t, sourceHeader, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	ensureExposedHeader(h, sourceHeader)
	ensureExposedHeader(h, sourceHeader)
	assert.Equal(t, "ETag, "+sourceHeader, h.Get("Access-Control-Expose-Headers"))
}
