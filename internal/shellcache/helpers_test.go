package shellcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"shellcache/internal/logger"
)

// testOrigin is an upstream whose every request is counted, so tests can
// assert that the network was or was not touched.
type testOrigin struct {
	srv   *httptest.Server
	calls atomic.Int64

	mu     sync.Mutex
	bodies map[string]string
	broken map[string]bool
	gates  map[string]chan struct{}
	hits   map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{
		bodies: map[string]string{
			"/":           "<html>root</html>",
			"/index.html": "<html>shell</html>",
		},
		broken: map[string]bool{},
		gates:  map[string]chan struct{}{},
		hits:   map[string]int{},
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) URL() string { return o.srv.URL }

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

// breakPath makes the origin drop the connection for path, which the
// client sees as a network error.
func (o *testOrigin) breakPath(path string, broken bool) {
	o.mu.Lock()
	o.broken[path] = broken
	o.mu.Unlock()
}

// hold makes requests for path wait until the returned release is called.
// Release also runs at cleanup so the server can shut down.
func (o *testOrigin) hold(t *testing.T, path string) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	o.mu.Lock()
	o.gates[path] = gate
	o.mu.Unlock()

	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func (o *testOrigin) hitsFor(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.calls.Add(1)

	o.mu.Lock()
	o.hits[r.URL.Path]++
	broken := o.broken[r.URL.Path]
	body, ok := o.bodies[r.URL.Path]
	gate := o.gates[r.URL.Path]
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if broken {
		hj, _ := w.(http.Hijacker)
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	if r.Method != http.MethodGet {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.Method+":"+string(b))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Origin", "test")
	_, _ = io.WriteString(w, body)
}

func testConfig(t *testing.T, originURL string, mutate ...func(*Config)) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = originURL
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "leveldb")
	cfg.Cache.Seed = []string{"/", "/index.html"}
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.compile())
	return cfg
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func getRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, path, nil)
}
