package anxcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anxcache/internal/metrics"
)

var discardLogger = slog.New(slog.DiscardHandler)

// fakeNetwork is an in-process origin keyed by request path and query.
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	delay   time.Duration
	routes  map[string]*Response
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]*Response{}, calls: map[string]int{}}
}

func (n *fakeNetwork) set(key string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	n.routes[key] = newResponse(status, h, []byte(body))
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

func (n *fakeNetwork) setDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *fakeNetwork) count(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[key]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	key := cacheKey(req.URL)
	n.mu.Lock()
	n.calls[key]++
	offline, delay := n.offline, n.delay
	resp, ok := n.routes[key]
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		case <-time.After(delay):
		}
	}
	if offline {
		return nil, fmt.Errorf("%w: connection refused", ErrNetwork)
	}
	if !ok {
		return newResponse(http.StatusNotFound, make(http.Header), []byte("not found")), nil
	}
	return resp.Clone(), nil
}

func testConfig(t *testing.T, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = "http://origin.test"
	cfg.Precache.URLs = []string{"/", "/static/style.css"}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Normalize())
	return cfg
}

var nativeStub = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Native", r.Method)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("native"))
})

func newTestWorker(t *testing.T, cfg Config, storage Storage, net Fetcher) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, WorkerOptions{
		Storage: storage,
		Fetcher: net,
		Native:  nativeStub,
		Logger:  discardLogger,
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func newTestEnv(t *testing.T, net Fetcher) *strategyEnv {
	t.Helper()
	tasks := newBackground(8, discardLogger, nil)
	t.Cleanup(tasks.Close)
	return &strategyEnv{
		net:               net,
		timeout:           time.Second,
		revalidateTimeout: 5 * time.Second,
		tasks:             tasks,
		cache:             &cacheOps{log: newRateLimitedLogger(discardLogger, time.Second)},
		log:               discardLogger,
	}
}

func getRequest(path, mode string, route Route) *Request {
	u, err := url.Parse("http://library.test" + path)
	if err != nil {
		panic(err)
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: make(http.Header),
		Mode:   mode,
		Key:    cacheKey(u),
		Route:  route,
	}
}

func openBucket(t *testing.T, s Storage, name string) Bucket {
	t.Helper()
	b, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	return b
}

func putText(t *testing.T, b Bucket, key, body string) {
	t.Helper()
	require.NoError(t, b.Put(context.Background(), key, newResponse(http.StatusOK, make(http.Header), []byte(body))))
}

func matchBody(t *testing.T, b Bucket, key string) (string, bool) {
	t.Helper()
	resp, ok, err := b.Match(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	return string(resp.Body), true
}

// counterValue sums the counter samples of name whose labels include all of
// want.
func counterValue(t *testing.T, rec *metrics.Recorder, name string, want map[string]string) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
