package modelcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatterlabs/chatter-core/internal/gpuprobe"
)

// Run drives the eviction monitor until ctx is cancelled. It only reads
// refcount/timestamp snapshots and performs evictions under the same lock
// discipline as request-driven transitions; it never blocks request traffic.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick applies one round of the eviction policy: idle TTL first, then memory
// pressure. Pressure never evicts a model with active leases; the tick is
// skipped and re-checked on the next interval.
func (c *Cache) tick(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	if c.refCount == 0 && c.clock().Sub(c.lastRelease) >= c.idleTTL {
		c.evictLocked("idle")
		return
	}
	c.mu.Unlock()

	if c.probe == nil {
		return
	}
	util, err := c.probe.UtilizationPercent(ctx)
	if err != nil {
		// A failed probe is never treated as a pressure signal; the
		// idle TTL policy above keeps working on its own.
		if errors.Is(err, gpuprobe.ErrUnavailable) {
			c.log.Debug("memory probe unavailable, pressure policy idle")
		} else {
			c.log.Warn("memory probe failed", slog.String("error", err.Error()))
		}
		return
	}
	if util <= c.memoryCeiling {
		return
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	if c.refCount > 0 {
		refs := c.refCount
		c.mu.Unlock()
		c.log.Warn("memory pressure eviction deferred, model in use",
			slog.Float64("utilization_percent", util),
			slog.Int("leases", refs))
		c.record("eviction_deferred", "memory pressure with active leases")
		c.metrics.deferred()
		return
	}
	c.log.Warn("memory pressure above ceiling, evicting",
		slog.Float64("utilization_percent", util),
		slog.Float64("ceiling_percent", c.memoryCeiling))
	c.evictLocked("pressure")
}
