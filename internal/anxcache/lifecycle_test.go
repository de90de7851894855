package anxcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func manifestNetwork() *fakeNetwork {
	net := newFakeNetwork()
	net.set("/", http.StatusOK, "<html>shell</html>")
	net.set("/static/style.css", http.StatusOK, "body{}")
	return net
}

func TestInstallPrecachesManifest(t *testing.T) {
	storage := NewMemoryStorage(0)
	w := newTestWorker(t, testConfig(t, nil), storage, manifestNetwork())

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, StateInstalled, w.State())

	b := openBucket(t, storage, "anx-calibre-manager-v1")
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/static/style.css"}, keys)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	storage := NewMemoryStorage(0)
	net := manifestNetwork()
	cfg := testConfig(t, func(c *Config) {
		c.Precache.URLs = append(c.Precache.URLs, "/static/missing.js")
	})
	w := newTestWorker(t, cfg, storage, net)

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/static/missing.js")
	assert.Equal(t, StateRedundant, w.State())

	ok, err := storage.Has(context.Background(), cfg.BucketName())
	require.NoError(t, err)
	assert.False(t, ok, "bucket created by a failed install is removed")
}

func TestInstallSkipsRedirectedManifestURLs(t *testing.T) {
	storage := NewMemoryStorage(0)
	net := manifestNetwork()
	net.set("/settings", http.StatusFound, "")
	cfg := testConfig(t, func(c *Config) {
		c.Precache.URLs = append(c.Precache.URLs, "/settings")
	})
	w := newTestWorker(t, cfg, storage, net)

	require.NoError(t, w.Install(context.Background()))
	keys, err := openBucket(t, storage, cfg.BucketName()).Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/static/style.css"}, keys)
}

func TestInstallFailureKeepsExistingBucket(t *testing.T) {
	storage := NewMemoryStorage(0)
	cfg := testConfig(t, nil)
	putText(t, openBucket(t, storage, cfg.BucketName()), "/api/books", "kept")

	net := manifestNetwork()
	net.setOffline(true)
	w := newTestWorker(t, cfg, storage, net)
	require.ErrorIs(t, w.Install(context.Background()), ErrNetwork)

	body, ok := matchBody(t, openBucket(t, storage, cfg.BucketName()), "/api/books")
	require.True(t, ok)
	assert.Equal(t, "kept", body)
}

func TestLifecycleOrderIsEnforced(t *testing.T) {
	w := newTestWorker(t, testConfig(t, nil), NewMemoryStorage(0), manifestNetwork())
	require.ErrorIs(t, w.Activate(context.Background()), ErrInvalidState)

	require.NoError(t, w.Install(context.Background()))
	require.ErrorIs(t, w.Install(context.Background()), ErrInvalidState)

	require.NoError(t, w.Activate(context.Background()))
	assert.Equal(t, StateActivated, w.State())
	require.ErrorIs(t, w.Activate(context.Background()), ErrInvalidState)
}

func TestActivateDeletesOtherBuckets(t *testing.T) {
	storage := NewMemoryStorage(0)
	openBucket(t, storage, "anx-calibre-manager-v0")
	openBucket(t, storage, "unrelated")

	w := newTestWorker(t, testConfig(t, nil), storage, manifestNetwork())
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"anx-calibre-manager-v1"}, names)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installed", StateInstalled.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func newTestRegistration(t *testing.T, storage Storage, net Fetcher) *Registration {
	t.Helper()
	reg := NewRegistration(RegistrationOptions{
		Storage: storage,
		Fetcher: net,
		Native:  nativeStub,
		Logger:  discardLogger,
	})
	t.Cleanup(reg.Close)
	return reg
}

func TestRegisterActivatesFirstWorkerWithoutSkipWaiting(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	noSkip := false
	w, err := reg.Register(context.Background(), testConfig(t, func(c *Config) { c.Lifecycle.SkipWaiting = &noSkip }))
	require.NoError(t, err)
	assert.Same(t, w, reg.Active())
	assert.Equal(t, StateActivated, w.State())
	assert.Nil(t, reg.Waiting())
}

func TestSkipWaitingPromotesWaitingWorker(t *testing.T) {
	storage := NewMemoryStorage(0)
	reg := newTestRegistration(t, storage, manifestNetwork())
	noSkip := false

	v1, err := reg.Register(context.Background(), testConfig(t, func(c *Config) { c.Lifecycle.SkipWaiting = &noSkip }))
	require.NoError(t, err)
	v2, err := reg.Register(context.Background(), testConfig(t, func(c *Config) {
		c.Lifecycle.SkipWaiting = &noSkip
		c.Cache.Version = 2
	}))
	require.NoError(t, err)

	assert.Same(t, v1, reg.Active())
	assert.Same(t, v2, reg.Waiting())
	assert.Equal(t, StateInstalled, v2.State())

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	assert.Same(t, v2, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"anx-calibre-manager-v2"}, names)

	// Nothing waiting is a no-op.
	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	assert.Same(t, v2, reg.Active())
}

func TestRegisterWithSkipWaitingReplacesActive(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	v1, err := reg.Register(context.Background(), testConfig(t, nil))
	require.NoError(t, err)
	v2, err := reg.Register(context.Background(), testConfig(t, func(c *Config) { c.Cache.Version = 2 }))
	require.NoError(t, err)

	assert.Same(t, v2, reg.Active())
	assert.Equal(t, StateRedundant, v1.State())
}

func TestFailedInstallKeepsActiveWorker(t *testing.T) {
	net := manifestNetwork()
	reg := newTestRegistration(t, NewMemoryStorage(0), net)
	v1, err := reg.Register(context.Background(), testConfig(t, nil))
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), testConfig(t, func(c *Config) {
		c.Cache.Version = 2
		c.Precache.URLs = []string{"/gone"}
	}))
	require.Error(t, err)
	assert.Same(t, v1, reg.Active())
	assert.Equal(t, StateActivated, v1.State())
}

func TestClearCacheMakesStaticFallThroughToNetwork(t *testing.T) {
	storage := NewMemoryStorage(0)
	net := manifestNetwork()
	reg := newTestRegistration(t, storage, net)
	w, err := reg.Register(context.Background(), testConfig(t, nil))
	require.NoError(t, err)
	require.Equal(t, 1, net.count("/static/style.css"))

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	ok, err := storage.Has(context.Background(), w.BucketName())
	require.NoError(t, err)
	assert.False(t, ok)

	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(sourceHeader))
	assert.Equal(t, 2, net.count("/static/style.css"))

	rec = httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	assert.Equal(t, "cache", rec.Header().Get(sourceHeader))
}

func TestPostMessageRejectsUnknownType(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	err := reg.PostMessage(context.Background(), Message{Type: "RELOAD"})
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessageHandler(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	_, err := reg.Register(context.Background(), testConfig(t, nil))
	require.NoError(t, err)
	h := reg.MessageHandler()

	cases := []struct {
		method string
		body   string
		status int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "{", http.StatusBadRequest},
		{http.MethodPost, `{"type":"RELOAD"}`, http.StatusBadRequest},
		{http.MethodPost, `{"type":"SKIP_WAITING"}`, http.StatusNoContent},
		{http.MethodPost, `{"type":"CLEAR_CACHE"}`, http.StatusNoContent},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/__anxcache/message", strings.NewReader(tc.body)))
		assert.Equal(t, tc.status, rec.Code, "%s %s", tc.method, tc.body)
	}
}

func TestRegistrationWithoutWorkerIsNative(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "native", rec.Body.String())
}

func TestRetiredWorkersLeaveNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := manifestNetwork()
	net.set("/api/books", http.StatusOK, "[]")
	reg := NewRegistration(RegistrationOptions{
		Storage: NewMemoryStorage(0),
		Fetcher: net,
		Native:  nativeStub,
		Logger:  discardLogger,
	})
	_, err := reg.Register(context.Background(), testConfig(t, nil))
	require.NoError(t, err)

	for _, path := range []string{"/api/books", "/static/style.css", "/"} {
		rec := httptest.NewRecorder()
		reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	_, err = reg.Register(context.Background(), testConfig(t, func(c *Config) { c.Cache.Version = 2 }))
	require.NoError(t, err)
	reg.Close()
}

func TestRouterReloadMovesControlRoutes(t *testing.T) {
	reg := newTestRegistration(t, NewMemoryStorage(0), manifestNetwork())
	cfg := testConfig(t, nil)
	_, err := reg.Register(context.Background(), cfg)
	require.NoError(t, err)

	router := reg.Router(cfg, nil)
	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"type":"CLEAR_CACHE"}`)))
		return rec
	}
	assert.Equal(t, http.StatusNoContent, post("/__anxcache/message").Code)

	router.Reload(testConfig(t, func(c *Config) {
		c.Lifecycle.MessagePath = "/control"
		c.Metrics.Enabled = true
	}))
	assert.Equal(t, http.StatusNoContent, post("/control").Code)

	old := post("/__anxcache/message")
	assert.Equal(t, http.StatusAccepted, old.Code, "old path falls through to the interceptor")
	assert.Equal(t, "native", old.Body.String())

	metricsRec := httptest.NewRecorder()
	router.ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/__anxcache/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, metricsRec.Code, "mounted once enabled")
}
