package anxcache

import (
	"io"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ResponseType mirrors the fetch API response type. Only basic responses
// are ever written to a bucket.
type ResponseType string

const (
	ResponseBasic     ResponseType = "basic"
	ResponseSynthetic ResponseType = "synthetic"
)

// Response is an immutable snapshot of an origin response (or a synthesized
// placeholder). Buckets store and hand out deep copies.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	StoredAt int64 // unix seconds
	Hash     uint64

	// stream carries bodies too large to buffer. Such responses are written
	// through once and never stored or cloned.
	stream io.ReadCloser
}

func newResponse(status int, header http.Header, body []byte) *Response {
	return &Response{
		Status: status,
		Header: header,
		Body:   body,
		Type:   ResponseBasic,
		Hash:   xxhash.Sum64(body),
	}
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Size is the footprint used for quota accounting.
func (r *Response) Size() int64 {
	n := int64(len(r.Body))
	for k, vs := range r.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// isValidResponse reports whether a response may be persisted: status 200,
// a real network response and a fully buffered body.
func isValidResponse(r *Response) bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseBasic && r.stream == nil
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

// storedSnapshot is the copy of resp that goes into a bucket. Session
// cookies belong to the client that triggered the fetch and are never
// replayed from cache.
func storedSnapshot(resp *Response) *Response {
	snap := resp.Clone()
	snap.Header.Del("Set-Cookie")
	snap.StoredAt = time.Now().Unix()
	return snap
}

// Route is the category a request is classified into.
type Route string

const (
	RouteAPI        Route = "api"
	RouteNavigation Route = "navigation"
	RouteStatic     Route = "static"
	RouteCover      Route = "cover"
	RouteOther      Route = "other"
)

// Source tells the page where a response came from. It is surfaced in the
// X-Anx-Cache header.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceOffline  Source = "offline"
	SourceFallback Source = "fallback"
	SourceError    Source = "error"
	SourceNative   Source = "native"
)

// MessageType identifies a control message posted by a page.
type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageClearCache  MessageType = "CLEAR_CACHE"
)

// Message is the JSON payload accepted by the message endpoint.
type Message struct {
	Type MessageType `json:"type"`
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
