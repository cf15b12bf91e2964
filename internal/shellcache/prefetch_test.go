package shellcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURLSet = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://journal.example/section/dreams </loc></url>
  <url><loc>/section/work?page=2</loc></url>
  <url><loc>/index.html</loc></url>
  <url><loc></loc></url>
</urlset>`

func TestParseSitemap_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(testURLSet))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	doc, err := parseSitemap("https://journal.example/sitemap.xml.gz", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, doc.URLs, 4)
	assert.Equal(t, "https://journal.example/section/dreams", doc.URLs[0])
}

func TestRequestURIFromLoc(t *testing.T) {
	assert.Equal(t, "/section/dreams", requestURIFromLoc("https://journal.example/section/dreams"))
	assert.Equal(t, "/", requestURIFromLoc("https://journal.example"))
	assert.Equal(t, "/a?b=c", requestURIFromLoc("a?b=c"))
	assert.Equal(t, "", requestURIFromLoc("  "))
}

func TestPrefetchOnce_WarmsGeneration(t *testing.T) {
	o := newTestOrigin(t)
	o.set("/sitemap_index.xml", `<sitemapindex><sitemap><loc>/sitemap.xml</loc></sitemap></sitemapindex>`)
	o.set("/sitemap.xml", testURLSet)
	o.set("/section/dreams", "dreams")
	o.set("/section/work", "work")
	cfg := testConfig(t, o.URL(), func(c *Config) {
		c.Prefetch.Sitemaps = []string{"/sitemap_index.xml"}
	})
	svc := newTestService(t, cfg)
	w, err := svc.Register(context.Background())
	require.NoError(t, err)

	res, err := svc.prefetchOnce(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, prefetchResult{Stored: 2, Cached: 1, Ignored: 1}, res)

	svc.storage.Sync()
	assert.Contains(t, w.currentCache().Keys(), "GET /section/dreams")
	assert.Contains(t, w.currentCache().Keys(), "GET /section/work?page=2")
	assert.NotContains(t, w.currentCache().Keys(), "GET /sitemap.xml")
}

func TestPrefetchOnce_SitemapErrorIsReported(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL(), func(c *Config) {
		c.Prefetch.Sitemaps = []string{"/missing.xml"}
	})
	svc := newTestService(t, cfg)
	w, err := svc.Register(context.Background())
	require.NoError(t, err)

	_, err = svc.prefetchOnce(context.Background(), w)
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestPrefetch_CloseStopsBetweenURLs(t *testing.T) {
	o := newTestOrigin(t)
	o.set("/sitemap.xml", `<urlset><url><loc>/section/a</loc></url><url><loc>/section/b</loc></url></urlset>`)
	o.set("/section/a", "a")
	o.set("/section/b", "b")
	cfg := testConfig(t, o.URL(), func(c *Config) {
		c.Prefetch.Sitemaps = []string{"/sitemap.xml"}
	})
	svc := newTestService(t, cfg)
	w, err := svc.Register(context.Background())
	require.NoError(t, err)

	releaseA := o.hold(t, "/section/a")
	o.hold(t, "/section/b")
	svc.startPrefetch(w)
	require.Eventually(t, func() bool { return o.hitsFor("/section/a") == 1 }, 2*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	// The in-flight fetch finishes only after Close has cancelled the run.
	time.Sleep(50 * time.Millisecond)
	releaseA()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the remaining sitemap URLs")
	}
	assert.Zero(t, o.hitsFor("/section/b"))
}
