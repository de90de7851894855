package anxcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"anxcache/internal/metrics"
)

type StrategyName string

const (
	StrategyNetworkFirst         StrategyName = "network-first"
	StrategyCacheFirst           StrategyName = "cache-first"
	StrategyStaleWhileRevalidate StrategyName = "stale-while-revalidate"
	StrategyNetworkOnly          StrategyName = "network-only"
)

func (n StrategyName) valid() bool {
	switch n {
	case StrategyNetworkFirst, StrategyCacheFirst, StrategyStaleWhileRevalidate, StrategyNetworkOnly:
		return true
	}
	return false
}

// defaultStrategies assigns each route its strategy unless a rule overrides it.
var defaultStrategies = map[Route]StrategyName{
	RouteAPI:        StrategyNetworkFirst,
	RouteNavigation: StrategyNetworkFirst,
	RouteStatic:     StrategyCacheFirst,
	RouteCover:      StrategyCacheFirst,
	RouteOther:      StrategyNetworkOnly,
}

// Strategy turns a request and the current bucket into a response. The
// returned Source says which path produced it.
type Strategy interface {
	Name() StrategyName
	Handle(ctx context.Context, req *Request, bucket Bucket) (*Response, Source, error)
}

// strategyEnv is what every strategy shares within one worker.
type strategyEnv struct {
	net               Fetcher
	timeout           time.Duration
	revalidateTimeout time.Duration
	tasks             *background
	cache             *cacheOps
	log               *slog.Logger
}

func newStrategies(env *strategyEnv, navigationFallback string) map[StrategyName]Strategy {
	return map[StrategyName]Strategy{
		StrategyNetworkFirst:         &networkFirst{env: env, fallback: navigationFallback},
		StrategyCacheFirst:           &cacheFirst{env: env},
		StrategyStaleWhileRevalidate: &staleWhileRevalidate{env: env},
		StrategyNetworkOnly:          &networkOnly{env: env},
	}
}

// cacheOps wraps bucket access so storage failures degrade to misses and
// dropped writes instead of failed responses.
type cacheOps struct {
	log           *rateLimitedLogger
	metrics       *metrics.Recorder
	maxEntryBytes int64
}

func (o *cacheOps) storable(resp *Response) bool {
	if !isValidResponse(resp) {
		return false
	}
	return o.maxEntryBytes <= 0 || int64(len(resp.Body)) <= o.maxEntryBytes
}

func (o *cacheOps) match(ctx context.Context, b Bucket, key string) (*Response, bool) {
	resp, ok, err := b.Match(ctx, key)
	if err != nil {
		o.log.Warn("cache match failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		o.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheError)
		return nil, false
	}
	if !ok {
		o.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheMiss)
		return nil, false
	}
	o.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheHit)
	return resp, true
}

func (o *cacheOps) put(ctx context.Context, b Bucket, key string, resp *Response) error {
	snap := storedSnapshot(resp)
	if err := b.Put(ctx, key, snap); err != nil {
		o.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError)
		return err
	}
	o.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored)
	return nil
}

// putNow stores synchronously and only logs a failure.
func (o *cacheOps) putNow(ctx context.Context, b Bucket, key string, resp *Response) {
	if err := o.put(context.WithoutCancel(ctx), b, key, resp); err != nil {
		o.log.Warn("cache put failed", slog.String("key", key), slog.Any("error", err))
	}
}

// networkFirst prefers a fresh response and falls back to the bucket, then to
// an offline placeholder for API requests.
type networkFirst struct {
	env      *strategyEnv
	fallback string
}

func (s *networkFirst) Name() StrategyName { return StrategyNetworkFirst }

func (s *networkFirst) Handle(ctx context.Context, req *Request, bucket Bucket) (*Response, Source, error) {
	e := s.env
	resp, err := fetchWithTimeout(ctx, e.net, req, e.timeout)
	if err == nil {
		if e.cache.storable(resp) {
			snap := resp.Clone()
			e.tasks.Go(ctx, taskCacheWrite, req.Key, e.revalidateTimeout, func(ctx context.Context) error {
				return e.cache.put(ctx, bucket, req.Key, snap)
			})
		}
		return resp, SourceNetwork, nil
	}

	e.log.Warn("network request failed, trying cache", slog.String("key", req.Key), slog.Any("error", err))
	if cached, ok := e.cache.match(ctx, bucket, req.Key); ok {
		return cached, SourceCache, nil
	}
	switch req.Route {
	case RouteAPI:
		return offlineResponse(), SourceOffline, nil
	case RouteNavigation:
		for _, key := range fallbackKeys(s.fallback, req.Header) {
			if page, ok := e.cache.match(ctx, bucket, key); ok {
				return page, SourceFallback, nil
			}
		}
	}
	return nil, SourceError, err
}

// fallbackKeys lists the fallback page as cached for the requesting session
// first, then as cached anonymously by precache.
func fallbackKeys(fallback string, h http.Header) []string {
	if fallback == "" {
		return nil
	}
	scoped := credentialKey(fallback, h)
	if scoped == fallback {
		return []string{fallback}
	}
	return []string{scoped, fallback}
}

// cacheFirst answers from the bucket and refreshes it in the background. A
// miss blocks on the network and stores the result before returning.
type cacheFirst struct {
	env *strategyEnv
}

func (s *cacheFirst) Name() StrategyName { return StrategyCacheFirst }

func (s *cacheFirst) Handle(ctx context.Context, req *Request, bucket Bucket) (*Response, Source, error) {
	e := s.env
	if cached, ok := e.cache.match(ctx, bucket, req.Key); ok {
		detached := req.detach()
		e.tasks.TryGo(ctx, taskRevalidate, req.Key, e.revalidateTimeout, func(ctx context.Context) error {
			return s.revalidate(ctx, detached, bucket, cached)
		})
		return cached, SourceCache, nil
	}

	resp, err := fetchWithTimeout(ctx, e.net, req, e.timeout)
	if err != nil {
		e.log.Error("cache miss and network failed", slog.String("key", req.Key), slog.Any("error", err))
		return nil, SourceError, err
	}
	if e.cache.storable(resp) {
		e.cache.putNow(ctx, bucket, req.Key, resp)
	}
	return resp, SourceNetwork, nil
}

func (s *cacheFirst) revalidate(ctx context.Context, req *Request, bucket Bucket, cached *Response) error {
	e := s.env
	resp, err := fetchWithTimeout(ctx, e.net, req, 0)
	if err != nil {
		return err
	}
	if !e.cache.storable(resp) {
		return nil
	}
	if resp.Hash == cached.Hash && resp.Status == cached.Status {
		return nil
	}
	return e.cache.put(ctx, bucket, req.Key, resp)
}

// staleWhileRevalidate races the bucket against a fetch that always refreshes
// the bucket, whichever side answers the caller.
type staleWhileRevalidate struct {
	env *strategyEnv
}

func (s *staleWhileRevalidate) Name() StrategyName { return StrategyStaleWhileRevalidate }

type fetchResult struct {
	resp *Response
	err  error
}

func (s *staleWhileRevalidate) Handle(ctx context.Context, req *Request, bucket Bucket) (*Response, Source, error) {
	e := s.env
	results := make(chan fetchResult, 1)
	detached := req.detach()
	started := e.tasks.Go(ctx, taskSWRFetch, req.Key, e.revalidateTimeout, func(ctx context.Context) error {
		resp, err := s.fetch(ctx, detached, results)
		if err != nil {
			return err
		}
		if !e.cache.storable(resp) {
			return nil
		}
		return e.cache.put(ctx, bucket, detached.Key, resp)
	})

	if cached, ok := e.cache.match(ctx, bucket, req.Key); ok {
		return cached, SourceCache, nil
	}

	if !started {
		resp, err := fetchWithTimeout(ctx, e.net, req, e.timeout)
		if err != nil {
			return nil, SourceError, err
		}
		return resp, SourceNetwork, nil
	}
	select {
	case r := <-results:
		if r.err != nil {
			return nil, SourceError, r.err
		}
		return r.resp, SourceNetwork, nil
	case <-ctx.Done():
		return nil, SourceError, ctx.Err()
	}
}

// fetch always delivers exactly one result, even when the fetcher panics, so
// a caller waiting on results is never stranded.
func (s *staleWhileRevalidate) fetch(ctx context.Context, req *Request, results chan<- fetchResult) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("%w: fetch panicked: %v", ErrNetwork, p)
		}
		results <- fetchResult{resp: resp, err: err}
	}()
	return fetchWithTimeout(ctx, s.env.net, req, s.env.timeout)
}

// networkOnly never touches the bucket.
type networkOnly struct {
	env *strategyEnv
}

func (s *networkOnly) Name() StrategyName { return StrategyNetworkOnly }

func (s *networkOnly) Handle(ctx context.Context, req *Request, _ Bucket) (*Response, Source, error) {
	resp, err := fetchWithTimeout(ctx, s.env.net, req, s.env.timeout)
	if err != nil {
		return nil, SourceError, err
	}
	return resp, SourceNetwork, nil
}

type offlineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

func offlineResponse() *Response {
	body, _ := json.Marshal(offlineBody{Error: "Network unavailable", Offline: true})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   body,
		Type:   ResponseSynthetic,
	}
}

func networkErrorResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusRequestTimeout,
		Header: h,
		Body:   []byte("Network error occurred"),
		Type:   ResponseSynthetic,
	}
}

// detach copies the request so a background task never shares the header map
// of a request whose handler has returned.
func (r *Request) detach() *Request {
	out := *r
	u := *r.URL
	out.URL = &u
	out.Header = r.Header.Clone()
	out.streamable = false
	return &out
}
