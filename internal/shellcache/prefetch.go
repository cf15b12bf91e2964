package shellcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type prefetchResult struct {
	Stored  int // fetched from the network and queued for the cache
	Cached  int // already present in the generation
	Failed  int
	Ignored int // locs that did not resolve to a path
}

// startPrefetch warms w's generation from the configured sitemaps once
// after activation and then every prefetch.rediscoverEvery.
func (s *Service) startPrefetch(w *Worker) {
	if len(s.cfg.Prefetch.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.initialDelayDur
	period := s.cfg.rediscoverEveryDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := s.stopContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, 2*time.Minute)
			defer cancelTimeout()

			res, err := s.prefetchOnce(ctx, w)
			if err != nil {
				s.log.Warn("prefetch failed", zap.Error(err))
				return
			}
			s.log.Info("prefetch done",
				zap.Int("stored", res.Stored),
				zap.Int("cached", res.Cached),
				zap.Int("failed", res.Failed),
				zap.Int("ignored", res.Ignored),
			)
		}

		runOnce()
		if period <= 0 {
			return
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				if s.active.Load() != w {
					return
				}
				runOnce()
			}
		}
	}()
}

// prefetchOnce walks the sitemaps (following sitemap indexes) and pushes
// every listed path through w's fetch path.
func (s *Service) prefetchOnce(ctx context.Context, w *Worker) (prefetchResult, error) {
	var res prefetchResult
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Prefetch.Sitemaps))
	for _, sm := range s.cfg.Prefetch.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.absoluteURL(sm))
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

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return res, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.absoluteURL(nested))
			}
		}

		for _, loc := range doc.URLs {
			// Misses are fetched detached from ctx, so stop between URLs.
			if err := ctx.Err(); err != nil {
				return res, err
			}
			uri := requestURIFromLoc(loc)
			if uri == "" {
				res.Ignored++
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
			if err != nil {
				res.Ignored++
				continue
			}
			resp, err := w.Fetch(req)
			switch {
			case err != nil:
				res.Failed++
			case resp.Source == SourceHit:
				res.Cached++
			case resp.Source == SourceMiss:
				res.Stored++
			default:
				res.Failed++
			}
		}

		if s.cfg.Logging.LogPrefetch {
			s.log.Info("prefetch sitemap", zap.String("sitemap", smURL), zap.Int("urls", len(doc.URLs)))
		}
	}
	return res, nil
}

func (s *Service) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
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

// parseSitemap decodes a urlset or sitemapindex document, gunzipping it
// first when the URL or the magic bytes say so.
func parseSitemap(sitemapURL string, body []byte) (sitemapDoc, error) {
	gzipped := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gzipped {
		// The transport may already have decoded a Content-Encoding: gzip body.
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
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

// requestURIFromLoc turns a sitemap <loc> into an origin-relative path
// with query.
func requestURIFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return u.RequestURI()
}
