package anxcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"anxcache/internal/metrics"
)

// ErrUnknownMessage is returned for control messages of an unsupported type.
var ErrUnknownMessage = errors.New("unknown message type")

type RegistrationOptions struct {
	Storage    Storage
	Native     http.Handler
	Fetcher    Fetcher
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Registration tracks the workers of one deployment: at most one active
// worker serving traffic and at most one installed worker waiting to take
// over. Claiming clients is an atomic swap of the active pointer.
type Registration struct {
	opts RegistrationOptions
	log  *slog.Logger

	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting *Worker
}

func NewRegistration(opts RegistrationOptions) *Registration {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger
	return &Registration{opts: opts, log: logger}
}

// Register installs a worker for cfg. It activates right away when
// skip-waiting is configured or nothing is active yet; otherwise it waits
// for a SKIP_WAITING message. A failed install leaves the active worker in
// place.
func (r *Registration) Register(ctx context.Context, cfg Config) (*Worker, error) {
	w, err := NewWorker(cfg, WorkerOptions{
		Storage:    r.opts.Storage,
		Fetcher:    r.opts.Fetcher,
		Native:     r.opts.Native,
		HTTPClient: r.opts.HTTPClient,
		Logger:     r.opts.Logger,
		Metrics:    r.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Install(ctx); err != nil {
		w.Close()
		return nil, err
	}

	var retired []*Worker
	r.mu.Lock()
	if prev := r.waiting; prev != nil {
		r.waiting = nil
		retired = append(retired, prev)
	}
	if cfg.skipWaiting() || r.active.Load() == nil {
		old, err := r.activateLocked(ctx, w)
		r.mu.Unlock()
		retireAll(append(retired, old))
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	r.waiting = w
	r.mu.Unlock()
	retireAll(retired)
	r.log.Info("worker installed and waiting", slog.String("worker", w.ID()))
	return w, nil
}

func (r *Registration) activateLocked(ctx context.Context, w *Worker) (*Worker, error) {
	if err := w.Activate(ctx); err != nil {
		return w, err
	}
	old := r.active.Swap(w)
	r.log.Info("clients claimed", slog.String("worker", w.ID()), slog.String("bucket", w.BucketName()))
	if old == w {
		return nil, nil
	}
	return old, nil
}

func retireAll(ws []*Worker) {
	for _, w := range ws {
		if w != nil {
			w.Retire()
		}
	}
}

// Active returns the worker currently serving requests, or nil.
func (r *Registration) Active() *Worker { return r.active.Load() }

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// PostMessage handles a control message from a page.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		r.mu.Lock()
		w := r.waiting
		r.waiting = nil
		if w == nil {
			r.mu.Unlock()
			r.log.Debug("skip waiting without a waiting worker")
			return nil
		}
		old, err := r.activateLocked(ctx, w)
		r.mu.Unlock()
		retireAll([]*Worker{old})
		return err
	case MessageClearCache:
		w := r.active.Load()
		if w == nil {
			return nil
		}
		if err := w.ClearCache(ctx); err != nil {
			return err
		}
		r.log.Info("clients claimed", slog.String("worker", w.ID()), slog.String("bucket", w.BucketName()))
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// MessageHandler accepts JSON control messages over POST.
func (r *Registration) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := json.NewDecoder(io.LimitReader(req.Body, 4<<10)).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		if err := r.PostMessage(req.Context(), msg); err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			r.log.Error("message handling failed", slog.String("type", string(msg.Type)), slog.Any("error", err))
			http.Error(w, "message failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// ServeHTTP routes to the active worker, or natively when there is none.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if active := r.active.Load(); active != nil {
		active.ServeHTTP(w, req)
		return
	}
	if r.opts.Native != nil {
		r.opts.Native.ServeHTTP(w, req)
		return
	}
	http.Error(w, "no active worker", http.StatusServiceUnavailable)
}

// RunStats logs a summary of the active worker every interval until ctx is
// done.
func (r *Registration) RunStats(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w := r.active.Load()
			if w == nil {
				continue
			}
			entries := -1
			if b, err := w.currentBucket(ctx); err == nil {
				if keys, err := b.Keys(ctx); err == nil {
					entries = len(keys)
				}
			}
			r.log.Info("cache stats",
				slog.String("worker", w.ID()),
				slog.String("bucket", w.BucketName()),
				slog.Int("entries", entries),
				slog.Any("served", w.stats.Snapshot()))
		}
	}
}

// Close retires every worker. Storage stays open; its owner closes it.
func (r *Registration) Close() {
	r.mu.Lock()
	ws := []*Worker{r.waiting, r.active.Swap(nil)}
	r.waiting = nil
	r.mu.Unlock()
	retireAll(ws)
}

// Handler mounts the control endpoints next to the interceptor.
func (r *Registration) Handler(cfg Config, rec *metrics.Recorder) http.Handler {
	return r.routes(cfg, rec)
}

func (r *Registration) routes(cfg Config, rec *metrics.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Lifecycle.MessagePath, r.MessageHandler())
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, rec.Handler())
	}
	mux.Handle("/", r)
	return mux
}

// Router serves the routes of Handler and swaps them when the config is
// reloaded, so the message and metrics paths follow the file.
type Router struct {
	reg *Registration
	rec *metrics.Recorder
	mux atomic.Pointer[http.ServeMux]
}

func (r *Registration) Router(cfg Config, rec *metrics.Recorder) *Router {
	rt := &Router{reg: r, rec: rec}
	rt.Reload(cfg)
	return rt
}

// Reload replaces the route table with one built from cfg.
func (rt *Router) Reload(cfg Config) {
	rt.mux.Store(rt.reg.routes(cfg, rt.rec))
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt.mux.Load().ServeHTTP(w, req)
}
