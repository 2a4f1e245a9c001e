package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatterlabs/chatter-core/internal/config"
	"github.com/chatterlabs/chatter-core/internal/gpuprobe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeModel struct {
	mu       sync.Mutex
	closed   bool
	closeErr error
	closeFn  func()
}

func (m *fakeModel) Close() error {
	if m.closeFn != nil {
		m.closeFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("fake model closed twice")
	}
	m.closed = true
	return m.closeErr
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeLoader struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	err      error
	closeErr error
	models   []*fakeModel
}

func (l *fakeLoader) Load(ctx context.Context) (Model, error) {
	l.mu.Lock()
	l.calls++
	delay, loadErr, closeErr := l.delay, l.err, l.closeErr
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	m := &fakeModel{closeErr: closeErr}
	l.mu.Lock()
	l.models = append(l.models, m)
	l.mu.Unlock()
	return m, nil
}

func (l *fakeLoader) loadCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLoader) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLoader) lastModel() *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.models) == 0 {
		return nil
	}
	return l.models[len(l.models)-1]
}

type fakeProbe struct {
	mu   sync.Mutex
	util float64
	err  error
}

func (p *fakeProbe) UtilizationPercent(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.util, p.err
}

func (p *fakeProbe) set(util float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.util = util
	p.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, loader Loader, probe Probe) (*Cache, *fakeClock) {
	t.Helper()
	cfg := config.CacheConfig{
		IdleTTLSeconds:       5,
		MemoryCeilingPercent: 85,
		ProbeIntervalSeconds: 1,
	}
	c := New(cfg, loader, probe, nil, newLogger())
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.clock = clk.Now
	return c, clk
}

func TestAcquireLoadsLazily(t *testing.T) {
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader, nil)

	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected unloaded before first acquire, got %s", snap.State)
	}

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if loader.loadCalls() != 1 {
		t.Fatalf("expected 1 load call, got %d", loader.loadCalls())
	}
	snap := c.Snapshot()
	if snap.State != StateReady || snap.RefCount != 1 {
		t.Fatalf("expected ready with 1 lease, got %s refcount=%d", snap.State, snap.RefCount)
	}
	if snap.LoadedAt.IsZero() {
		t.Fatal("expected loaded_at to be set")
	}

	lease.Release()
	if snap := c.Snapshot(); snap.RefCount != 0 {
		t.Fatalf("expected refcount 0 after release, got %d", snap.RefCount)
	}
}

func TestConcurrentAcquiresShareOneLoad(t *testing.T) {
	loader := &fakeLoader{delay: 50 * time.Millisecond}
	c, _ := newTestCache(t, loader, nil)

	const n = 10
	leases := make([]*Lease, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = c.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if loader.loadCalls() != 1 {
		t.Fatalf("expected exactly 1 load call, got %d", loader.loadCalls())
	}
	if snap := c.Snapshot(); snap.RefCount != n {
		t.Fatalf("expected refcount %d, got %d", n, snap.RefCount)
	}

	for _, lease := range leases {
		lease.Release()
	}
	if snap := c.Snapshot(); snap.RefCount != 0 {
		t.Fatalf("expected refcount 0, got %d", snap.RefCount)
	}
}

func TestIdleEviction(t *testing.T) {
	loader := &fakeLoader{}
	c, clk := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	clk.Advance(4 * time.Second)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateReady {
		t.Fatalf("evicted before TTL elapsed, state %s", snap.State)
	}

	clk.Advance(1 * time.Second)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected eviction at TTL, state %s", snap.State)
	}
	if !loader.lastModel().isClosed() {
		t.Fatal("expected model to be closed on eviction")
	}
}

func TestNoEvictionWhileLeased(t *testing.T) {
	loader := &fakeLoader{}
	probe := &fakeProbe{util: 99}
	c, clk := newTestCache(t, loader, probe)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer lease.Release()

	// Way past the TTL and way above the ceiling: neither policy may fire.
	clk.Advance(time.Hour)
	c.tick(context.Background())

	if snap := c.Snapshot(); snap.State != StateReady {
		t.Fatalf("expected model to survive while leased, state %s", snap.State)
	}
	if loader.lastModel().isClosed() {
		t.Fatal("model closed while leased")
	}
}

func TestPressureEviction(t *testing.T) {
	loader := &fakeLoader{}
	probe := &fakeProbe{util: 50}
	c, clk := newTestCache(t, loader, probe)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	// Below the ceiling and inside the TTL: nothing happens.
	clk.Advance(time.Second)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateReady {
		t.Fatalf("unexpected eviction, state %s", snap.State)
	}

	probe.set(95, nil)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected pressure eviction, state %s", snap.State)
	}
}

func TestProbeUnavailableDisablesPressureOnly(t *testing.T) {
	loader := &fakeLoader{}
	probe := &fakeProbe{err: fmt.Errorf("nvidia-smi: %w", gpuprobe.ErrUnavailable)}
	c, clk := newTestCache(t, loader, probe)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	clk.Advance(time.Second)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateReady {
		t.Fatalf("probe failure must not evict, state %s", snap.State)
	}

	// Idle TTL still applies on its own.
	clk.Advance(5 * time.Second)
	c.tick(context.Background())
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected idle eviction despite dead probe, state %s", snap.State)
	}
}

func TestForceEvictBusy(t *testing.T) {
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader, nil)

	first, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	second, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := c.ForceEvict(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateReady {
		t.Fatalf("state changed by refused eviction: %s", snap.State)
	}

	first.Release()
	second.Release()

	if err := c.ForceEvict(); err != nil {
		t.Fatalf("force evict failed: %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected unloaded after force evict, state %s", snap.State)
	}
}

func TestForceEvictNothingResident(t *testing.T) {
	c, _ := newTestCache(t, &fakeLoader{}, nil)
	if err := c.ForceEvict(); err != nil {
		t.Fatalf("expected no-op on empty cache, got %v", err)
	}
}

func TestLoadFailureSurfacedAndRetriable(t *testing.T) {
	loader := &fakeLoader{}
	loader.setErr(errors.New("cuda out of memory"))
	c, _ := newTestCache(t, loader, nil)

	_, err := c.Acquire(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected unloaded after failed load, state %s", snap.State)
	}

	// The next acquire must attempt a fresh construction, not hang in Loading.
	loader.setErr(nil)
	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("retry acquire failed: %v", err)
	}
	defer lease.Release()
	if loader.loadCalls() != 2 {
		t.Fatalf("expected 2 load calls, got %d", loader.loadCalls())
	}
}

func TestWaitersShareLoadFailure(t *testing.T) {
	loader := &fakeLoader{delay: 50 * time.Millisecond}
	loader.setErr(errors.New("model file missing"))
	c, _ := newTestCache(t, loader, nil)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	if loader.loadCalls() != 1 {
		t.Fatalf("expected 1 shared load attempt, got %d", loader.loadCalls())
	}
	for i, err := range errs {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("waiter %d: expected LoadError, got %v", i, err)
		}
	}
}

func TestCancelledWaitLeavesRefcountIntact(t *testing.T) {
	loader := &fakeLoader{delay: 200 * time.Millisecond}
	c, _ := newTestCache(t, loader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The abandoned wait must not have touched the refcount; the load it
	// started keeps going and serves the next caller.
	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after cancelled wait failed: %v", err)
	}
	defer lease.Release()
	if snap := c.Snapshot(); snap.RefCount != 1 {
		t.Fatalf("expected refcount 1, got %d", snap.RefCount)
	}
	if loader.loadCalls() != 1 {
		t.Fatalf("expected the cancelled caller's load to be reused, got %d calls", loader.loadCalls())
	}
}

func TestAcquireWaitsForUnloadThenReloads(t *testing.T) {
	unblock := make(chan struct{})
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	loader.lastModel().closeFn = func() { <-unblock }
	lease.Release()

	evictDone := make(chan error, 1)
	go func() { evictDone <- c.ForceEvict() }()

	// Wait until the eviction is holding the slot in Unloading.
	deadline := time.Now().Add(time.Second)
	for {
		if snap := c.Snapshot(); snap.State == StateUnloading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("eviction never reached unloading state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	acquireDone := make(chan error, 1)
	go func() {
		lease, err := c.Acquire(context.Background())
		if err == nil {
			lease.Release()
		}
		acquireDone <- err
	}()

	select {
	case err := <-acquireDone:
		t.Fatalf("acquire completed during unload: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	if err := <-evictDone; err != nil {
		t.Fatalf("force evict failed: %v", err)
	}
	if err := <-acquireDone; err != nil {
		t.Fatalf("acquire after unload failed: %v", err)
	}
	if loader.loadCalls() != 2 {
		t.Fatalf("expected a fresh construction after unload, got %d calls", loader.loadCalls())
	}
}

func TestTeardownFailureStillReclaimsSlot(t *testing.T) {
	loader := &fakeLoader{closeErr: errors.New("driver wedged")}
	c, _ := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	if err := c.ForceEvict(); err != nil {
		t.Fatalf("force evict surfaced teardown error: %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateUnloaded {
		t.Fatalf("expected slot reclaimed despite teardown failure, state %s", snap.State)
	}

	lease, err = c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after failed teardown: %v", err)
	}
	lease.Release()
	if loader.loadCalls() != 2 {
		t.Fatalf("expected reload, got %d calls", loader.loadCalls())
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	c, _ := newTestCache(t, &fakeLoader{}, nil)
	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	lease.Release()
}

func TestCloseRejectsNewAcquires(t *testing.T) {
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	lease.Release()

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !loader.lastModel().isClosed() {
		t.Fatal("expected model unloaded on close")
	}
	if _, err := c.Acquire(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestCloseWaitsForLeases(t *testing.T) {
	loader := &fakeLoader{}
	c, _ := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	closeDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closeDone <- c.Close(ctx)
	}()

	select {
	case err := <-closeDone:
		t.Fatalf("close returned with lease outstanding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()
	if err := <-closeDone; err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !loader.lastModel().isClosed() {
		t.Fatal("expected model unloaded after drain")
	}
}

func TestSnapshotIdleSeconds(t *testing.T) {
	loader := &fakeLoader{}
	c, clk := newTestCache(t, loader, nil)

	lease, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if snap := c.Snapshot(); snap.IdleSeconds != 0 {
		t.Fatalf("idle seconds reported while leased: %g", snap.IdleSeconds)
	}
	lease.Release()

	clk.Advance(3 * time.Second)
	if snap := c.Snapshot(); snap.IdleSeconds != 3 {
		t.Fatalf("expected 3 idle seconds, got %g", snap.IdleSeconds)
	}
}
