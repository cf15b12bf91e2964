package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the network the worker fetches through.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

type originClient struct {
	base   string
	client HTTPClient
}

func newOriginClient(base string, client HTTPClient) *originClient {
	return &originClient{base: strings.TrimRight(base, "/"), client: client}
}

// fetch forwards r (method, headers, body) to the origin and reads the
// whole response. Any status counts as a successful fetch; only transport
// failures are errors.
func (o *originClient) fetch(ctx context.Context, r *http.Request) (CacheEntry, error) {
	var body io.Reader
	hasBody := r.Method != http.MethodGet && r.Method != http.MethodHead &&
		r.Body != nil && r.Body != http.NoBody
	if hasBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, o.base+r.URL.RequestURI(), body)
	if err != nil {
		return CacheEntry{}, err
	}
	if hasBody {
		req.ContentLength = r.ContentLength
	}
	copyRequestHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("read body: %w", err)
	}

	return newEntry(resp.StatusCode, stripHopByHop(resp.Header), b, time.Now().Unix()), nil
}

func (o *originClient) get(ctx context.Context, path string) (CacheEntry, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	return o.fetch(ctx, r)
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range stripHopByHop(src) {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func stripHopByHop(h http.Header) http.Header {
	out := cloneHeader(h)
	for _, k := range hopByHop {
		out.Del(k)
	}
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			out.Del(token)
		}
	}
	return out
}
