package anxcache

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Rules = append(defaultRules(), Rule{Match: "PathPrefix(/api/upload)", Bypass: true})
	})
	c := NewClassifier(cfg.Rules)

	cases := []struct {
		name     string
		method   string
		target   string
		header   map[string]string
		eligible bool
		route    Route
	}{
		{name: "api", method: http.MethodGet, target: "/api/books?page=2", eligible: true, route: RouteAPI},
		{name: "api navigation stays api", method: http.MethodGet, target: "/api/books", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, eligible: true, route: RouteAPI},
		{name: "page load", method: http.MethodGet, target: "/library", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, eligible: true, route: RouteNavigation},
		{name: "html accept without fetch metadata", method: http.MethodGet, target: "/settings", header: map[string]string{"Accept": "text/html,application/xhtml+xml"}, eligible: true, route: RouteNavigation},
		{name: "static navigation is navigation", method: http.MethodGet, target: "/static/logo.svg", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, eligible: true, route: RouteNavigation},
		{name: "static", method: http.MethodGet, target: "/static/js/index.js", header: map[string]string{"Sec-Fetch-Mode": "no-cors"}, eligible: true, route: RouteStatic},
		{name: "calibre cover", method: http.MethodGet, target: "/calibre_cover/17", eligible: true, route: RouteCover},
		{name: "anx cover", method: http.MethodGet, target: "/anx_cover/abc", eligible: true, route: RouteCover},
		{name: "other", method: http.MethodGet, target: "/favicon.ico", eligible: true, route: RouteOther},
		{name: "post", method: http.MethodPost, target: "/api/books", eligible: false},
		{name: "head", method: http.MethodHead, target: "/static/style.css", eligible: false},
		{name: "bypass", method: http.MethodGet, target: "/api/upload/1", eligible: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.target, nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			req := NewRequest(r)
			require.Equal(t, tc.eligible, c.Eligible(req))
			if !tc.eligible {
				return
			}
			route, _ := c.Classify(req)
			assert.Equal(t, tc.route, route)
		})
	}
}

func TestClassifyReturnsRule(t *testing.T) {
	cfg := testConfig(t, func(c *Config) {
		c.Rules = []Rule{{Match: "PathPrefix(/static/vendor/)", Route: RouteStatic, Strategy: StrategyStaleWhileRevalidate}}
	})
	c := NewClassifier(cfg.Rules)
	route, rule := c.Classify(getRequest("/static/vendor/lib.js", "no-cors", ""))
	assert.Equal(t, RouteStatic, route)
	require.NotNil(t, rule)
	assert.Equal(t, StrategyStaleWhileRevalidate, rule.Strategy)

	route, rule = c.Classify(getRequest("/static/app.js", "no-cors", ""))
	assert.Equal(t, RouteOther, route)
	assert.Nil(t, rule)
}

func TestEligibleRejectsNonHTTPSchemes(t *testing.T) {
	c := NewClassifier(nil)
	req := getRequest("/x", "no-cors", "")
	req.URL.Scheme = "chrome-extension"
	assert.False(t, c.Eligible(req))
}

func TestNewRequestScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a", nil)
	assert.Equal(t, "http", NewRequest(r).URL.Scheme)

	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	assert.Equal(t, "https", NewRequest(r).URL.Scheme)

	r = httptest.NewRequest(http.MethodGet, "/a", nil)
	r.TLS = &tls.ConnectionState{}
	req := NewRequest(r)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "example.com", req.URL.Host)
}

func TestCacheKey(t *testing.T) {
	cases := map[string]string{
		"http://a.test":                    "/",
		"http://a.test/static/a.css":       "/static/a.css",
		"https://b.test/static/a.css":      "/static/a.css",
		"http://a.test/api/books?b=2&a=1":  "/api/books?a=1&b=2",
		"http://a.test/api/search?q=a%20b": "/api/search?q=a+b",
		"http://a.test/calibre_cover/1#x":  "/calibre_cover/1",
	}
	for in, want := range cases {
		u, err := url.Parse(in)
		require.NoError(t, err)
		assert.Equal(t, want, cacheKey(u), in)
	}
}

func TestCredentialKey(t *testing.T) {
	headers := func(kv ...string) http.Header {
		h := make(http.Header)
		for i := 0; i < len(kv); i += 2 {
			h.Add(kv[i], kv[i+1])
		}
		return h
	}

	assert.Equal(t, "/anx_cover/1", credentialKey("/anx_cover/1", headers()))

	alice := credentialKey("/anx_cover/1", headers("Cookie", "session=alice"))
	bob := credentialKey("/anx_cover/1", headers("Cookie", "session=bob"))
	token := credentialKey("/anx_cover/1", headers("Authorization", "Bearer t"))
	assert.NotEqual(t, "/anx_cover/1", alice)
	assert.NotEqual(t, alice, bob)
	assert.NotEqual(t, alice, token)
	assert.Equal(t, alice, credentialKey("/anx_cover/1", headers("Cookie", "session=alice")))
	assert.Regexp(t, `^/anx_cover/1#cred=[0-9a-f]{16}$`, alice)
}
