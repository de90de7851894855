package anxcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"anxcache/internal/metrics"
)

const warmupRunTimeout = 2 * time.Minute

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startWarmup seeds the bucket from the configured sitemaps once the worker
// is active, then again every warmup.every when set.
func (w *Worker) startWarmup() {
	if len(w.cfg.Warmup.Sitemaps) == 0 {
		return
	}
	delay := w.cfg.warmupDelay
	period := w.cfg.warmupEvery

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-w.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), warmupRunTimeout)
			defer cancel()
			go func() {
				select {
				case <-w.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			res, err := w.warmupOnce(ctx)
			if err != nil {
				w.log.Warn("warmup failed", slog.Any("error", err))
				w.metrics.ObserveBackgroundTask(taskWarmup, metrics.TaskFailed)
				return
			}
			w.metrics.ObserveBackgroundTask(taskWarmup, metrics.TaskSucceeded)
			w.log.Info("warmup finished",
				slog.Int("fetched", res.fetched),
				slog.Int("present", res.present),
				slog.Int("ignored", res.ignored),
				slog.Int("failed", res.failed))
		}

		runOnce()
		if period <= 0 {
			return
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

type warmupResult struct {
	fetched int
	present int
	ignored int
	failed  int
}

// warmupOnce walks the sitemap tree breadth first. Locations that classify
// into a cached route and are missing from the bucket are fetched and
// stored; everything else is counted and skipped.
func (w *Worker) warmupOnce(ctx context.Context) (warmupResult, error) {
	var res warmupResult
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(w.cfg.Warmup.Sitemaps))
	for _, sm := range w.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.absoluteURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return res, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			w.warmLocation(ctx, loc, &res)
		}
		w.log.Debug("warmup sitemap processed", slog.String("sitemap", smURL), slog.Int("urls", len(doc.URLs)))
	}
	return res, nil
}

func (w *Worker) warmLocation(ctx context.Context, loc string, res *warmupResult) {
	path := pathFromLoc(loc)
	if path == "" {
		res.ignored++
		return
	}
	req, err := newPathRequest(path)
	if err != nil {
		res.ignored++
		return
	}
	abs := *req.URL
	abs.Scheme, abs.Host = "http", "warmup"
	req.URL = &abs
	if !w.classifier.Eligible(req) {
		res.ignored++
		return
	}
	route, _ := w.classifier.Classify(req)
	if route != RouteStatic && route != RouteCover {
		res.ignored++
		return
	}

	bucket, err := w.currentBucket(ctx)
	if err != nil {
		res.failed++
		return
	}
	if _, ok, err := bucket.Match(ctx, req.Key); err == nil && ok {
		res.present++
		return
	}
	resp, err := fetchWithTimeout(ctx, w.fetcher, req, w.cfg.revalidateTimeout)
	if err != nil || !isValidResponse(resp) {
		res.failed++
		return
	}
	if err := bucket.Put(ctx, req.Key, storedSnapshot(resp)); err != nil {
		res.failed++
		w.log.Warn("warmup put failed", slog.String("key", req.Key), slog.Any("error", err))
		return
	}
	res.fetched++
}

// absoluteURL resolves a sitemap location against the origin.
func (w *Worker) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.cfg.Server.Origin + u
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}
	return parseSitemap(sitemapURL, body)
}

func parseSitemap(name string, body []byte) (sitemapDoc, error) {
	// A .gz sitemap may already have been decoded by the transport.
	gz := strings.HasSuffix(strings.ToLower(name), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gz {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(zr); err == nil {
				body = unzipped
			}
			_ = zr.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc reduces a sitemap location to path and query.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
