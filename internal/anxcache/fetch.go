package anxcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNetwork wraps every failure to obtain a response from the origin:
// refused connections, DNS errors, timeouts and truncated bodies.
var ErrNetwork = errors.New("network failure")

var (
	errResponseTimeout = errors.New("no response headers within timeout")
	errBodyTimeout     = errors.New("response body not read within timeout")
)

// Fetcher performs the outbound request for a strategy. A non-nil error
// means no response was obtained; HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// OriginFetcher fetches from the library backend. Redirects are handed back
// to the caller instead of being followed, so Location and Set-Cookie reach
// the browser.
type OriginFetcher struct {
	origin string
	client *http.Client

	maxBuffer   int64
	bodyTimeout time.Duration
}

// NewOriginFetcher returns a fetcher for origin. Bodies of streamable
// requests larger than maxBuffer are passed through unbuffered; bodyTimeout
// bounds reading a buffered body once headers have arrived. Zero disables
// either limit.
func NewOriginFetcher(origin string, client *http.Client, maxBuffer int64, bodyTimeout time.Duration) *OriginFetcher {
	c := http.Client{}
	if client != nil {
		c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &OriginFetcher{
		origin:      strings.TrimRight(origin, "/"),
		client:      &c,
		maxBuffer:   maxBuffer,
		bodyTimeout: bodyTimeout,
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin+r.URL.RequestURI(), nil)
	if err != nil {
		cancel(nil)
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	headersReceived(ctx)

	header := cloneHeader(resp.Header)
	f.rewriteLocation(header)

	limit := int64(0)
	if r.streamable {
		limit = f.maxBuffer
	}
	if limit > 0 && resp.ContentLength > limit {
		return streamedResponse(resp.StatusCode, header, resp.Body, resp.Body, cancel), nil
	}

	stopTimer := func() bool { return true }
	if f.bodyTimeout > 0 {
		t := time.AfterFunc(f.bodyTimeout, func() { cancel(errBodyTimeout) })
		stopTimer = t.Stop
	}
	var body []byte
	if limit > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	stopTimer()
	if err != nil {
		_ = resp.Body.Close()
		cancel(nil)
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errBodyTimeout) {
			err = cause
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if limit > 0 && int64(len(body)) > limit {
		rest := io.MultiReader(bytes.NewReader(body), resp.Body)
		return streamedResponse(resp.StatusCode, header, rest, resp.Body, cancel), nil
	}
	_ = resp.Body.Close()
	cancel(nil)

	header.Del("Content-Length")
	return newResponse(resp.StatusCode, header, body), nil
}

// rewriteLocation keeps redirects inside the proxy when the origin answers
// with absolute URLs pointing at itself.
func (f *OriginFetcher) rewriteLocation(h http.Header) {
	loc := h.Get("Location")
	if loc == "" || !strings.HasPrefix(loc, f.origin) {
		return
	}
	rest := strings.TrimPrefix(loc, f.origin)
	if rest == "" {
		rest = "/"
	}
	if strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "?") {
		h.Set("Location", rest)
	}
}

type streamBody struct {
	io.Reader
	close func() error
}

func (s *streamBody) Close() error { return s.close() }

func streamedResponse(status int, header http.Header, body io.Reader, closer io.Closer, cancel context.CancelCauseFunc) *Response {
	return &Response{
		Status: status,
		Header: header,
		Type:   ResponseBasic,
		stream: &streamBody{Reader: body, close: func() error {
			err := closer.Close()
			cancel(nil)
			return err
		}},
	}
}

// hopHeaders are connection-scoped and never forwarded or replayed from cache.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

type headersHookKey struct{}

// headersReceived tells fetchWithTimeout that the origin has answered, which
// ends the response timeout. Reading the body is bounded separately.
func headersReceived(ctx context.Context) {
	if hook, ok := ctx.Value(headersHookKey{}).(func()); ok {
		hook()
	}
}

// fetchWithTimeout bounds the wait for a response. Fetchers that report
// headersReceived are only bounded up to that point; others for the whole
// call. A timeout surfaces as ErrNetwork so strategies take their ordinary
// failure path.
func fetchWithTimeout(ctx context.Context, f Fetcher, req *Request, timeout time.Duration) (*Response, error) {
	release := func() {}
	if timeout > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		timer := time.AfterFunc(timeout, func() { cancel(errResponseTimeout) })
		ctx = context.WithValue(ctx, headersHookKey{}, func() { timer.Stop() })
		release = func() {
			timer.Stop()
			cancel(nil)
		}
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		release()
		if cause := context.Cause(ctx); errors.Is(cause, errResponseTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, cause)
		}
		if errors.Is(err, ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp == nil {
		release()
		return nil, fmt.Errorf("%w: empty response", ErrNetwork)
	}
	if resp.stream != nil {
		inner := resp.stream
		resp.stream = &streamBody{Reader: inner, close: func() error {
			err := inner.Close()
			release()
			return err
		}}
		return resp, nil
	}
	release()
	return resp, nil
}
