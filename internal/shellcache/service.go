package shellcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Service is the host side of the offline cache: it owns the storage,
// drives worker lifecycles, keeps the controlling worker and routes
// requests through it.
type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	origin     *originClient
	storage    *Storage

	// regMu serializes registrations so install always finishes before
	// activation, one worker at a time.
	regMu  sync.Mutex
	active atomic.Pointer[Worker]

	stats *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	storage, err := OpenStorage(cfg.Cache.Dir, cfg.ramMaxBytes, log)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		origin:     newOriginClient(cfg.Server.Origin, httpClient),
		storage:    storage,
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return s, nil
}

// Start makes the configured generation the controller. A generation left
// complete on disk by an earlier run is served right away without a new
// install. Otherwise the worker is registered in the background: a failed
// install is logged and retried every install.retryEvery, and until one
// succeeds requests pass straight through to the origin.
func (s *Service) Start() {
	if w := s.restore(); w != nil {
		s.startPrefetch(w)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registerLoop()
	}()
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

func (s *Service) Storage() *Storage { return s.storage }

// Active returns the controlling worker, nil before the first activation.
func (s *Service) Active() *Worker { return s.active.Load() }

// Register installs a worker for the configured generation, activates it
// right away and makes it the controller. On install failure the previous
// controller, if any, keeps serving.
func (s *Service) Register(ctx context.Context) (*Worker, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	w := newWorker(workerOptionsFromConfig(s.cfg), s.storage, s.origin, s.log)
	if err := w.Install(ctx); err != nil {
		return nil, err
	}
	// No waiting for the previous worker's clients: activate and claim now.
	if err := w.Activate(ctx); err != nil {
		return nil, err
	}
	if prev := s.active.Swap(w); prev != nil {
		prev.retire()
	}
	return w, nil
}

// restore reactivates the configured generation when it already holds
// every seed. It returns nil when the generation is missing or incomplete
// and a fresh install is needed.
func (s *Service) restore() *Worker {
	opts := workerOptionsFromConfig(s.cfg)
	if !s.storage.Has(opts.Generation) {
		return nil
	}
	cache, err := s.storage.Open(opts.Generation, opts.Quota)
	if err != nil {
		s.log.Warn("reopen generation", zap.String("generation", opts.Generation), zap.Error(err))
		return nil
	}
	for _, path := range opts.Seed {
		if !cache.Has(pathKey(path)) {
			s.log.Info("persisted generation is incomplete, reinstalling",
				zap.String("generation", opts.Generation),
				zap.String("missing", path),
			)
			return nil
		}
	}

	w := newWorker(opts, s.storage, s.origin, s.log)
	w.mu.Lock()
	w.cache = cache
	w.state = StateActivated
	w.mu.Unlock()

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if !s.active.CompareAndSwap(nil, w) {
		return nil
	}
	w.log.Info("restored", zap.Int("entries", cache.Len()))
	return w
}

// Purge runs the activation cleanup on its own: every generation but the
// configured one is deleted.
func (s *Service) Purge(ctx context.Context) ([]string, error) {
	deleted, errs := purgeStale(ctx, s.storage, s.cfg.Cache.Generation)
	return deleted, errors.Join(errs...)
}

func (s *Service) registerLoop() {
	ctx, cancel := s.stopContext()
	defer cancel()

	for {
		w, err := s.Register(ctx)
		if err == nil {
			s.startPrefetch(w)
			return
		}
		if ctx.Err() != nil {
			return
		}
		every := s.cfg.retryEveryDur
		if every <= 0 {
			s.log.Warn("worker registration failed, serving without offline cache", zap.Error(err))
			return
		}
		s.log.Warn("worker registration failed, will retry", zap.Duration("retryIn", every), zap.Error(err))
		select {
		case <-s.stopCh:
			return
		case <-time.After(every):
		}
	}
}

// stopContext returns a context cancelled when the service closes.
func (s *Service) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("fallbacks", ss.Fallbacks),
		zap.Uint64("bypasses", ss.Bypasses),
		zap.Uint64("failures", ss.Failures),
		zap.String("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
		zap.String("ram", formatBytes(uint64(s.storage.ram.TotalSize()))),
	}
	if w := s.active.Load(); w != nil {
		if c := w.currentCache(); c != nil {
			fields = append(fields,
				zap.String("generation", c.Tag()),
				zap.Int("entries", c.Len()),
				zap.String("disk", formatBytes(uint64(c.Size()))),
			)
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	if anon, ok := processAnonBytes(); ok {
		fields = append(fields, zap.String("anon", formatBytes(anon)))
	}
	s.log.Info("cache stats", fields...)
}
