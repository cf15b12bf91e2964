package shellcache

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const sourceHeader = "X-Shellcache"

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	wk := s.active.Load()
	if wk == nil {
		// No worker has ever activated: behave like a plain proxy.
		s.passThrough(w, r)
		return
	}

	resp, err := wk.Fetch(r)
	if err != nil {
		s.stats.Observe(SourceBadGateway, 0)
		s.log.Debug("request failed", zap.String("method", r.Method), zap.String("uri", r.URL.RequestURI()), zap.Error(err))
		badGateway(w)
		return
	}
	writeEntry(w, resp.CacheEntry, resp.Source)
	s.stats.Observe(resp.Source, len(resp.Body))
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	ent, err := s.origin.fetch(r.Context(), r)
	if err != nil {
		s.stats.Observe(SourceBadGateway, 0)
		badGateway(w)
		return
	}
	writeEntry(w, ent, SourceBypass)
	s.stats.Observe(SourceBypass, len(ent.Body))
}

func badGateway(w http.ResponseWriter) {
	setSourceHeaders(w.Header(), SourceBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, sourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(sourceHeader, source)
	}
	// Browsers hide custom headers from cross-origin JS unless exposed.
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
