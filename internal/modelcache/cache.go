// Package modelcache keeps at most one loaded synthesis model resident,
// loading it lazily on first use and evicting it when idle or under
// accelerator memory pressure.
package modelcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterlabs/chatter-core/internal/config"
)

// Model is the expensive resource owned by the cache. The cache only drives
// its lifecycle; callers know the concrete capability behind it.
type Model interface {
	Close() error
}

// Loader constructs the underlying model. Load is called at most once per
// transition out of Unloaded; concurrent acquirers share a single attempt.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// Probe reports accelerator memory utilization as a percentage of capacity.
type Probe interface {
	UtilizationPercent(ctx context.Context) (float64, error)
}

// Recorder receives lifecycle events for durable audit.
type Recorder interface {
	Record(ctx context.Context, event, detail string)
}

// State describes where the model is in its lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

var (
	// ErrShuttingDown is returned by Acquire once Close has begun.
	ErrShuttingDown = errors.New("model cache is shutting down")
	// ErrBusy is returned by ForceEvict while leases are outstanding.
	ErrBusy = errors.New("model has active leases")
)

// LoadError wraps a failed model construction. The cache never retries;
// callers decide whether a fresh Acquire is worth attempting.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "model load failed: " + e.Err.Error() }

func (e *LoadError) Unwrap() error { return e.Err }

// Snapshot is a read-only view of the cache for status reporting.
type Snapshot struct {
	State       State
	LoadedAt    time.Time
	IdleSeconds float64
	RefCount    int
}

type loadAttempt struct {
	done chan struct{}
	err  error // written before done is closed
}

// Cache is the single source of truth for whether the model is loaded. It
// serializes load/unload transitions and arbitrates between request traffic
// and the background monitor.
type Cache struct {
	loader  Loader
	probe   Probe
	rec     Recorder
	log     *slog.Logger
	clock   func() time.Time
	metrics *metrics

	idleTTL       time.Duration
	memoryCeiling float64
	probeInterval time.Duration

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	model       Model
	loadedAt    time.Time
	refCount    int
	lastRelease time.Time
	inflight    *loadAttempt  // non-nil while Loading
	unloadDone  chan struct{} // non-nil while Unloading
	closed      bool
}

// New builds a cache around loader. probe and rec may be nil, which disables
// pressure eviction and event auditing respectively.
func New(cfg config.CacheConfig, loader Loader, probe Probe, rec Recorder, log *slog.Logger) *Cache {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	c := &Cache{
		loader:        loader,
		probe:         probe,
		rec:           rec,
		log:           log.With(slog.String("component", "model-cache")),
		clock:         time.Now,
		idleTTL:       time.Duration(cfg.IdleTTLSeconds) * time.Second,
		memoryCeiling: cfg.MemoryCeilingPercent,
		probeInterval: time.Duration(cfg.ProbeIntervalSeconds) * time.Second,
		lifeCtx:       lifeCtx,
		lifeCancel:    lifeCancel,
	}
	c.metrics = newMetrics(c)
	return c
}

// Acquire returns a lease on the loaded model, constructing it first when
// absent. Waiting on an in-flight load or unload is cancellable through ctx;
// a cancelled wait leaves the refcount untouched.
func (c *Cache) Acquire(ctx context.Context) (*Lease, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrShuttingDown
		}
		switch c.state {
		case StateReady:
			c.refCount++
			lease := &Lease{cache: c, model: c.model}
			c.mu.Unlock()
			return lease, nil

		case StateUnloaded:
			attempt := &loadAttempt{done: make(chan struct{})}
			c.state = StateLoading
			c.inflight = attempt
			c.mu.Unlock()
			go c.runLoad(attempt)
			if err := waitAttempt(ctx, attempt); err != nil {
				return nil, err
			}

		case StateLoading:
			attempt := c.inflight
			c.mu.Unlock()
			if err := waitAttempt(ctx, attempt); err != nil {
				return nil, err
			}

		case StateUnloading:
			done := c.unloadDone
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

func waitAttempt(ctx context.Context, attempt *loadAttempt) error {
	select {
	case <-attempt.done:
		if attempt.err != nil {
			return &LoadError{Err: attempt.err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoad performs the construction for one Loading transition. The loader
// runs under the cache's own lifetime context so a waiter abandoning its
// Acquire does not cancel a load other waiters are sharing.
func (c *Cache) runLoad(attempt *loadAttempt) {
	start := c.clock()
	model, err := c.loader.Load(c.lifeCtx)
	elapsed := c.clock().Sub(start)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		c.state = StateUnloaded
		attempt.err = err
		close(attempt.done)
		c.mu.Unlock()

		c.log.Error("model load failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		c.record("model_load_failed", err.Error())
		c.metrics.loadFailed()
		return
	}
	c.model = model
	c.state = StateReady
	c.loadedAt = c.clock()
	// Start the idle clock at load completion so a model nobody ever
	// acquires again still ages out.
	c.lastRelease = c.loadedAt
	close(attempt.done)
	c.mu.Unlock()

	c.log.Info("model loaded", slog.Duration("load_time", elapsed))
	c.record("model_loaded", "")
	c.metrics.loaded(elapsed)
}

// ForceEvict synchronously unloads a Ready model. It refuses with ErrBusy
// while leases are outstanding and is a no-op when nothing is resident.
func (c *Cache) ForceEvict() error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.refCount > 0 {
		c.mu.Unlock()
		return ErrBusy
	}
	c.evictLocked("forced")
	return nil
}

// evictLocked transitions Ready -> Unloading -> Unloaded. Callers must hold
// mu with state Ready and refCount zero; the lock is released on return.
// A failed teardown is reported but the slot is reclaimed regardless: the
// cache must never believe a model whose teardown threw is still usable.
func (c *Cache) evictLocked(reason string) {
	model := c.model
	c.model = nil
	c.state = StateUnloading
	done := make(chan struct{})
	c.unloadDone = done
	loadedFor := c.clock().Sub(c.loadedAt)
	c.mu.Unlock()

	err := model.Close()

	c.mu.Lock()
	c.state = StateUnloaded
	c.loadedAt = time.Time{}
	c.unloadDone = nil
	close(done)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("model teardown failed, slot reclaimed anyway",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	} else {
		c.log.Info("model evicted",
			slog.String("reason", reason),
			slog.Duration("resident_for", loadedFor))
	}
	c.record("model_evicted", reason)
	c.metrics.evicted(reason)
}

// Snapshot reports the current lifecycle state without blocking on
// transitions in progress.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state, RefCount: c.refCount}
	if c.state == StateReady {
		snap.LoadedAt = c.loadedAt
		if c.refCount == 0 {
			snap.IdleSeconds = c.clock().Sub(c.lastRelease).Seconds()
		}
	}
	return snap
}

// Close rejects new acquirers, waits for outstanding leases to drain, then
// unloads. ctx bounds the drain wait.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Abort any in-flight load; its waiters observe the load error and
	// fresh acquirers are already rejected.
	c.lifeCancel()

	for {
		c.mu.Lock()
		switch {
		case c.state == StateUnloaded:
			c.mu.Unlock()
			return nil
		case c.state == StateReady && c.refCount == 0:
			c.evictLocked("shutdown")
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (c *Cache) record(event, detail string) {
	if c.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.rec.Record(ctx, event, detail)
}

// Lease is one caller's hold on the loaded model between Acquire and Release.
type Lease struct {
	cache    *Cache
	model    Model
	released bool // guarded by cache.mu
}

// Model returns the leased resource. Valid until Release.
func (l *Lease) Model() Model { return l.model }

// Release returns the lease. Releasing twice is a caller contract violation
// and panics rather than silently corrupting the refcount.
func (l *Lease) Release() {
	c := l.cache
	c.mu.Lock()
	if l.released {
		c.mu.Unlock()
		panic("modelcache: lease released twice")
	}
	l.released = true
	if c.refCount <= 0 {
		c.mu.Unlock()
		panic("modelcache: lease refcount underflow")
	}
	c.refCount--
	if c.refCount == 0 {
		c.lastRelease = c.clock()
	}
	c.mu.Unlock()
}
