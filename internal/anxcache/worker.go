package anxcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"anxcache/internal/metrics"
)

// State is a worker's position in its lifecycle.
type State int32

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
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrInvalidState is returned when a lifecycle step is attempted out of order.
var ErrInvalidState = errors.New("invalid worker state")

type WorkerOptions struct {
	Storage Storage
	// Fetcher defaults to an OriginFetcher for cfg.Server.Origin.
	Fetcher Fetcher
	// Native serves requests the worker declines to intercept.
	Native     http.Handler
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Worker is one versioned instance of the caching engine. It owns exactly
// one current bucket, named after the configured cache name and version.
type Worker struct {
	id      string
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Recorder

	storage    Storage
	fetcher    Fetcher
	native     http.Handler
	client     *http.Client
	classifier *Classifier
	strategies map[StrategyName]Strategy
	tasks      *background
	stats      *statsCollector

	state atomic.Int32

	mu     sync.Mutex
	bucket Bucket

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker builds a worker in the parsed state. cfg must be normalized.
func NewWorker(cfg Config, opts WorkerOptions) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewOriginFetcher(cfg.Server.Origin, client, cfg.maxEntryBytes, cfg.revalidateTimeout)
	}
	native := opts.Native
	if native == nil {
		np, err := NewNativeProxy(cfg.Server.Origin, logger)
		if err != nil {
			return nil, err
		}
		native = np
	}

	id := uuid.NewString()
	logger = logger.With(slog.String("worker", id), slog.String("bucket", cfg.BucketName()))

	fallbackKey := ""
	if cfg.Navigation.Fallback != "" {
		req, err := newPathRequest(cfg.Navigation.Fallback)
		if err != nil {
			return nil, fmt.Errorf("worker: navigation fallback: %w", err)
		}
		fallbackKey = req.Key
	}

	tasks := newBackground(cfg.Network.MaxBackground, logger, opts.Metrics)
	env := &strategyEnv{
		net:               fetcher,
		timeout:           cfg.timeout,
		revalidateTimeout: cfg.revalidateTimeout,
		tasks:             tasks,
		cache: &cacheOps{
			log:           newRateLimitedLogger(logger, 10*time.Second),
			metrics:       opts.Metrics,
			maxEntryBytes: cfg.maxEntryBytes,
		},
		log: logger,
	}

	w := &Worker{
		id:         id,
		cfg:        cfg,
		log:        logger,
		metrics:    opts.Metrics,
		storage:    opts.Storage,
		fetcher:    fetcher,
		native:     native,
		client:     client,
		classifier: NewClassifier(cfg.Rules),
		strategies: newStrategies(env, fallbackKey),
		tasks:      tasks,
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}
	return w, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State { return State(w.state.Load()) }

// BucketName is the name of the worker's current bucket.
func (w *Worker) BucketName() string { return w.cfg.BucketName() }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.observeState(s)
}

func (w *Worker) transition(from, to State) bool {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	w.observeState(to)
	return true
}

func (w *Worker) observeState(s State) {
	w.metrics.ObserveTransition(s.String())
	w.log.Info("worker state changed", slog.String("state", s.String()))
}

// Install precaches the manifest into the worker's bucket. Either every URL
// is fetched and stored, or the worker becomes redundant and a bucket it
// created is removed again.
func (w *Worker) Install(ctx context.Context) error {
	if !w.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	name := w.BucketName()
	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}

	if err := w.precache(ctx, name); err != nil {
		w.log.Error("install failed", slog.Any("error", err))
		if !existed {
			if _, derr := w.storage.Delete(context.WithoutCancel(ctx), name); derr != nil {
				w.log.Warn("failed to remove bucket after failed install", slog.Any("error", derr))
			}
		}
		w.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context, name string) error {
	urls := w.cfg.Precache.URLs
	reqs := make([]*Request, len(urls))
	for i, p := range urls {
		req, err := newPathRequest(p)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		reqs[i] = req
	}

	responses := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if w.cfg.Precache.Concurrency > 0 {
		g.SetLimit(w.cfg.Precache.Concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetchWithTimeout(gctx, w.fetcher, req, w.cfg.revalidateTimeout)
			if err != nil {
				return fmt.Errorf("precache %s: %w", req.Key, err)
			}
			if isRedirect(resp.Status) {
				// Pages that redirect anonymous requests depend on a session
				// and have nothing to precache.
				w.log.Warn("precache url redirected, skipping",
					slog.String("key", req.Key), slog.Int("status", resp.Status),
					slog.String("location", resp.Header.Get("Location")))
				return nil
			}
			if !isValidResponse(resp) {
				return fmt.Errorf("precache %s: unexpected status %d", req.Key, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bucket, err := w.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	for i, req := range reqs {
		if responses[i] == nil {
			continue
		}
		if err := bucket.Put(ctx, req.Key, storedSnapshot(responses[i])); err != nil {
			return fmt.Errorf("precache %s: %w", req.Key, err)
		}
	}
	w.mu.Lock()
	w.bucket = bucket
	w.mu.Unlock()
	w.log.Info("precached manifest", slog.Int("urls", len(reqs)))
	return nil
}

// Activate removes every bucket left behind by other versions. A bucket that
// fails to delete is logged and does not block activation.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}
	current := w.BucketName()
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.log.Warn("failed to list buckets during activation", slog.Any("error", err))
	}
	for _, name := range names {
		if name == current {
			continue
		}
		w.log.Info("deleting old cache", slog.String("old_bucket", name))
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Warn("failed to delete old cache", slog.String("old_bucket", name), slog.Any("error", err))
			w.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheError)
			continue
		}
		w.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheStored)
	}
	w.setState(StateActivated)
	w.startWarmup()
	return nil
}

// ClearCache deletes the current bucket. The next request that needs it
// opens a fresh, empty one.
func (w *Worker) ClearCache(ctx context.Context) error {
	name := w.BucketName()
	w.mu.Lock()
	defer w.mu.Unlock()
	deleted, err := w.storage.Delete(ctx, name)
	if err != nil {
		w.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheError)
		return fmt.Errorf("clear cache %s: %w", name, err)
	}
	w.bucket = nil
	w.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheStored)
	w.log.Info("cache cleared", slog.Bool("existed", deleted))
	return nil
}

func (w *Worker) currentBucket(ctx context.Context) (Bucket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	b, err := w.storage.Open(ctx, w.BucketName())
	if err != nil {
		return nil, err
	}
	w.bucket = b
	return b, nil
}

func (w *Worker) strategyFor(route Route, rule *Rule) Strategy {
	name := defaultStrategies[route]
	if route == RouteNavigation {
		name = w.cfg.Navigation.Strategy
	}
	if rule != nil && rule.Strategy != "" {
		name = rule.Strategy
	}
	return w.strategies[name]
}

// Retire marks the worker redundant and waits for its background work.
func (w *Worker) Retire() {
	w.setState(StateRedundant)
	w.Close()
}

// Close stops warmup and waits for in-flight background tasks.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.tasks.Close()
}

// settle blocks until background tasks spawned so far have finished.
func (w *Worker) settle() {
	w.tasks.Wait()
}
