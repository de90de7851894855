package anxcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Request is the view of an intercepted request that the classifier and the
// strategies work with.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Mode follows the fetch API request mode; "navigate" marks page loads.
	Mode  string
	Key   string
	Route Route

	// streamable is set for requests a client is waiting on, whose
	// response may be passed through unbuffered.
	streamable bool
}

const modeNavigate = "navigate"

// NewRequest derives the intercepted view of r. The URL is made absolute so
// the scheme check sees what the browser saw.
func NewRequest(r *http.Request) *Request {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = requestScheme(r)
		u.Host = r.Host
	}
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header,
		Mode:       requestMode(r),
		Key:        cacheKey(&u),
		streamable: true,
	}
}

// newPathRequest builds a GET request for a configured path, as used by
// precache and warmup.
func newPathRequest(path string) (*Request, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: make(http.Header),
		Mode:   "no-cors",
		Key:    cacheKey(u),
	}, nil
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		p, _, _ = strings.Cut(p, ",")
		return strings.ToLower(strings.TrimSpace(p))
	}
	return "http"
}

func requestMode(r *http.Request) string {
	if m := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))); m != "" {
		return m
	}
	// Clients that predate fetch metadata still ask for HTML on page loads.
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return modeNavigate
	}
	return "no-cors"
}

// cacheKey normalizes a URL into a bucket key: the path plus the query with
// its parameters sorted. Scheme and host are dropped since one proxy fronts
// exactly one origin.
func cacheKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery == "" {
		return p
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return p + "?" + u.RawQuery
	}
	return p + "?" + q.Encode()
}

// credentialKey scopes key to the credentials a request carries. Responses
// to requests with a session cookie or an Authorization header are only ever
// served back to requests carrying the same ones. Anonymous requests keep
// the plain key.
func credentialKey(key string, h http.Header) string {
	cookie := strings.Join(h.Values("Cookie"), "; ")
	auth := h.Get("Authorization")
	if cookie == "" && auth == "" {
		return key
	}
	d := xxhash.New()
	_, _ = d.WriteString(cookie)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(auth)
	return fmt.Sprintf("%s#cred=%016x", key, d.Sum64())
}

type classifierRule struct {
	match func(*Request) bool
	route Route
	rule  *Rule
}

// Classifier maps requests onto routes with an ordered table. The first
// matching entry wins, so API rules shadow navigation and navigation shadows
// static and cover rules.
type Classifier struct {
	bypass []*Rule
	table  []classifierRule
}

// NewClassifier builds the table from normalized rules.
func NewClassifier(rules []Rule) *Classifier {
	c := &Classifier{}
	var later []classifierRule
	for i := range rules {
		r := &rules[i]
		if r.Bypass {
			c.bypass = append(c.bypass, r)
			continue
		}
		entry := classifierRule{match: pathPredicate(r), route: r.Route, rule: r}
		if r.Route == RouteAPI {
			c.table = append(c.table, entry)
			continue
		}
		later = append(later, entry)
	}
	c.table = append(c.table, classifierRule{
		match: func(req *Request) bool { return req.Mode == modeNavigate },
		route: RouteNavigation,
	})
	c.table = append(c.table, later...)
	return c
}

func pathPredicate(r *Rule) func(*Request) bool {
	return func(req *Request) bool { return r.Matches(req.URL.Path) }
}

// Eligible reports whether the request may be intercepted at all. Ineligible
// requests are left to the native path untouched.
func (c *Classifier) Eligible(req *Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return false
	}
	for _, r := range c.bypass {
		if r.Matches(req.URL.Path) {
			return false
		}
	}
	return true
}

// Classify returns the route for an eligible request together with the rule
// that produced it (nil for navigation and other).
func (c *Classifier) Classify(req *Request) (Route, *Rule) {
	for _, e := range c.table {
		if e.match(req) {
			return e.route, e.rule
		}
	}
	return RouteOther, nil
}
