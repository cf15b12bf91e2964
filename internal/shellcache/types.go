package shellcache

import (
	"errors"
	"hash/crc32"
	"net/http"
	"strings"
)

var (
	ErrNotFound      = errors.New("cache generation not found")
	ErrInstallFailed = errors.New("install failed")
	ErrInvalidState  = errors.New("invalid worker state")
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	ErrNoFallback    = errors.New("network failed and no fallback document is cached")
)

// CacheEntry is one stored response. It is immutable once stored: readers
// get a Clone, never the stored header map or body slice.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// size is the estimated footprint used by the RAM tier and the quota.
func (e CacheEntry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func newEntry(status int, h http.Header, body []byte, storedAt int64) CacheEntry {
	ent := CacheEntry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: storedAt,
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// RequestKey is the cache identity of a request: method plus path and query.
func RequestKey(r *http.Request) string {
	return r.Method + " " + r.URL.RequestURI()
}

func pathKey(path string) string {
	return http.MethodGet + " " + path
}

func validateTag(tag string) error {
	if tag == "" {
		return errors.New("empty generation tag")
	}
	if strings.ContainsRune(tag, 0) {
		return errors.New("generation tag contains NUL")
	}
	return nil
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
