package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Response source values, also sent to clients in the X-Shellcache header.
const (
	SourceHit      = "hit"
	SourceMiss     = "miss"
	SourceFallback = "fallback"
	SourceBypass   = "bypass"

	// SourceBadGateway marks a request nothing could answer.
	SourceBadGateway = "bad-gateway"
)

type Response struct {
	CacheEntry
	Source string
}

type WorkerOptions struct {
	Generation    string
	Seed          []string
	Fallback      string
	FallbackScope string
	Quota         int64
}

func workerOptionsFromConfig(cfg Config) WorkerOptions {
	return WorkerOptions{
		Generation:    cfg.Cache.Generation,
		Seed:          append([]string(nil), cfg.Cache.Seed...),
		Fallback:      cfg.Cache.Fallback,
		FallbackScope: cfg.Cache.FallbackScope,
		Quota:         cfg.quotaBytes,
	}
}

// Worker is one version of the offline cache: a single generation tag with
// its install manifest. It moves through install and activate exactly once
// and then serves fetches until it is replaced.
type Worker struct {
	opts    WorkerOptions
	storage *Storage
	origin  *originClient
	log     *zap.Logger

	mu    sync.Mutex
	state State
	cache *Cache

	flight singleflight.Group
}

func newWorker(opts WorkerOptions, storage *Storage, origin *originClient, log *zap.Logger) *Worker {
	return &Worker{
		opts:    opts,
		storage: storage,
		origin:  origin,
		log:     log.With(zap.String("generation", opts.Generation)),
	}
}

func (w *Worker) Generation() string { return w.opts.Generation }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install fetches the whole seed manifest and stores it in the worker's
// generation in one batch. Any failed seed fails the install and leaves
// no new generation behind.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	existed := w.storage.Has(w.opts.Generation)
	cache, err := w.install(ctx)
	if err != nil {
		if !existed {
			if _, derr := w.storage.Delete(w.opts.Generation); derr != nil {
				w.log.Warn("drop partial generation", zap.Error(derr))
			}
		}
		w.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.mu.Lock()
	w.cache = cache
	w.state = StateInstalled
	w.mu.Unlock()
	w.log.Info("installed", zap.Int("seeds", len(w.opts.Seed)))
	return nil
}

func (w *Worker) install(ctx context.Context) (*Cache, error) {
	entries, err := w.fetchSeeds(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := w.storage.Open(w.opts.Generation, w.opts.Quota)
	if err != nil {
		return nil, err
	}
	if err := cache.AddAll(entries); err != nil {
		return nil, err
	}
	return cache, nil
}

func (w *Worker) fetchSeeds(ctx context.Context) (map[string]CacheEntry, error) {
	results := make([]CacheEntry, len(w.opts.Seed))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.opts.Seed {
		g.Go(func() error {
			ent, err := w.origin.get(gctx, path)
			if err != nil {
				return fmt.Errorf("seed %s: %w", path, err)
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return fmt.Errorf("seed %s: unexpected status %d", path, ent.Status)
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make(map[string]CacheEntry, len(results))
	for i, path := range w.opts.Seed {
		entries[pathKey(path)] = results[i]
	}
	return entries, nil
}

// Activate deletes every generation except this worker's own. Deletion
// failures are logged and never block activation.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	deleted, errs := purgeStale(ctx, w.storage, w.opts.Generation)
	for _, err := range errs {
		w.log.Warn("stale generation cleanup failed", zap.Error(err))
	}
	w.setState(StateActivated)
	w.log.Info("activated", zap.Strings("purged", deleted))
	return nil
}

// purgeStale deletes every generation other than keep, best effort.
func purgeStale(ctx context.Context, storage *Storage, keep string) (deleted []string, errs []error) {
	for _, tag := range storage.Keys() {
		if tag == keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			return deleted, errs
		}
		ok, err := storage.Delete(tag)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted = append(deleted, tag)
		}
	}
	return deleted, errs
}

func (w *Worker) currentCache() *Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache
}

// retire marks a worker that has been replaced by a newer one.
func (w *Worker) retire() {
	w.setState(StateRedundant)
}

// Fetch handles one intercepted request. Non-GET requests go straight to
// the network. GET requests are served cache-first from the worker's
// generation; misses are fetched and stored in the background. When the
// network fails, the cached fallback document is served instead.
func (w *Worker) Fetch(r *http.Request) (*Response, error) {
	w.mu.Lock()
	state, cache := w.state, w.cache
	w.mu.Unlock()
	// A retired worker still finishes requests routed to it before the swap.
	if state != StateActivated && (state != StateRedundant || cache == nil) {
		return nil, fmt.Errorf("%w: fetch while %s", ErrInvalidState, state)
	}

	if r.Method != http.MethodGet {
		ent, err := w.origin.fetch(r.Context(), r)
		if err != nil {
			return nil, err
		}
		return &Response{CacheEntry: ent, Source: SourceBypass}, nil
	}

	key := RequestKey(r)
	if ent, ok := cache.Match(key); ok {
		return &Response{CacheEntry: ent, Source: SourceHit}, nil
	}

	v, err, _ := w.flight.Do(key, func() (any, error) {
		ent, err := w.origin.fetch(context.WithoutCancel(r.Context()), r)
		if err != nil {
			return nil, err
		}
		if ent.Status != http.StatusPartialContent {
			cache.PutAsync(key, ent.Clone())
		}
		return ent, nil
	})
	if err == nil {
		return &Response{CacheEntry: v.(CacheEntry).Clone(), Source: SourceMiss}, nil
	}

	if !w.fallbackAllowed(r) {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	if ent, ok := cache.Match(pathKey(w.opts.Fallback)); ok {
		w.log.Debug("network failed, serving fallback", zap.String("key", key), zap.Error(err))
		return &Response{CacheEntry: ent, Source: SourceFallback}, nil
	}
	return nil, fmt.Errorf("fetch %s: %w", key, errors.Join(ErrNoFallback, err))
}

func (w *Worker) fallbackAllowed(r *http.Request) bool {
	if w.opts.FallbackScope != FallbackScopeNavigation {
		return true
	}
	return isNavigation(r)
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
