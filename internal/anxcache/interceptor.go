package anxcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const sourceHeader = "X-Anx-Cache"

// ServeHTTP is the fetch interceptor. Ineligible requests go to the native
// handler untouched; everything else is answered by the route's strategy.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req := NewRequest(r)
	if w.State() != StateActivated || !w.classifier.Eligible(req) {
		w.native.ServeHTTP(rw, r)
		return
	}

	start := time.Now()
	route, rule := w.classifier.Classify(req)
	req.Route = route
	if rule == nil || !rule.Shared {
		req.Key = credentialKey(req.Key, req.Header)
	}
	strategy := w.strategyFor(route, rule)

	resp, source := w.dispatch(r.Context(), req, strategy)
	writeResponse(rw, resp, source)

	w.stats.Observe(source, len(resp.Body))
	w.metrics.ObserveFetch(string(route), string(strategy.Name()), string(source), resp.Status, time.Since(start))
}

// dispatch never fails: errors and panics from the strategy become the
// synthetic network error response.
func (w *Worker) dispatch(ctx context.Context, req *Request, strategy Strategy) (resp *Response, source Source) {
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("strategy panicked",
				slog.String("key", req.Key), slog.String("strategy", string(strategy.Name())), slog.Any("panic", fmt.Sprint(p)))
			resp, source = networkErrorResponse(), SourceError
		}
	}()

	bucket, err := w.currentBucket(ctx)
	if err != nil {
		w.log.Warn("cache bucket unavailable", slog.Any("error", err))
		bucket = unavailableBucket{name: w.BucketName(), err: err}
	}

	resp, source, err = strategy.Handle(ctx, req, bucket)
	if err != nil || resp == nil {
		w.log.Error("fetch handler error",
			slog.String("key", req.Key), slog.String("strategy", string(strategy.Name())), slog.Any("error", err))
		return networkErrorResponse(), SourceError
	}
	return resp, source
}

func writeResponse(rw http.ResponseWriter, resp *Response, source Source) {
	h := rw.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, sourceHeader) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	setSourceHeaders(h, source)
	if resp.stream != nil {
		defer resp.stream.Close()
		rw.WriteHeader(resp.Status)
		_, _ = io.Copy(rw, resp.stream)
		return
	}
	rw.WriteHeader(resp.Status)
	_, _ = rw.Write(resp.Body)
}

func setSourceHeaders(h http.Header, source Source) {
	if source != "" {
		h.Set(sourceHeader, string(source))
	}
	// Pages read the header through fetch, which hides custom headers
	// unless they are exposed.
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// NewNativeProxy returns the pass-through used for requests the interceptor
// declines. It streams both directions and never touches a bucket.
func NewNativeProxy(origin string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("native proxy: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("native request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy, nil
}

// unavailableBucket stands in when storage cannot open the current bucket so
// strategies see misses and failed writes rather than a nil bucket.
type unavailableBucket struct {
	name string
	err  error
}

func (b unavailableBucket) Name() string { return b.name }

func (b unavailableBucket) Match(context.Context, string) (*Response, bool, error) {
	return nil, false, b.err
}

func (b unavailableBucket) Put(context.Context, string, *Response) error { return b.err }

func (b unavailableBucket) Delete(context.Context, string) (bool, error) { return false, b.err }

func (b unavailableBucket) Keys(context.Context) ([]string, error) { return nil, b.err }
