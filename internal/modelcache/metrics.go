package modelcache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	loads        metric.Int64Counter
	loadFailures metric.Int64Counter
	evictions    metric.Int64Counter
	deferrals    metric.Int64Counter
	loadSeconds  metric.Float64Histogram
}

func newMetrics(c *Cache) *metrics {
	meter := otel.Meter("github.com/chatterlabs/chatter-core/modelcache")
	m := &metrics{}

	var err error
	if m.loads, err = meter.Int64Counter("chatter.model.loads",
		metric.WithDescription("Completed model loads")); err != nil {
		c.log.Warn("failed to initialize model metrics")
		return m
	}
	m.loadFailures, _ = meter.Int64Counter("chatter.model.load_failures",
		metric.WithDescription("Model loads that ended in error"))
	m.evictions, _ = meter.Int64Counter("chatter.model.evictions",
		metric.WithDescription("Model evictions by reason"))
	m.deferrals, _ = meter.Int64Counter("chatter.model.evictions_deferred",
		metric.WithDescription("Pressure evictions skipped because leases were active"))
	m.loadSeconds, _ = meter.Float64Histogram("chatter.model.load_duration_seconds",
		metric.WithDescription("Wall-clock model load latency"))

	loadedGauge, gErr := meter.Int64ObservableGauge("chatter.model.loaded",
		metric.WithDescription("1 while a model is resident"))
	idleGauge, iErr := meter.Float64ObservableGauge("chatter.model.idle_seconds",
		metric.WithDescription("Seconds since the model was last released"))
	leaseGauge, lErr := meter.Int64ObservableGauge("chatter.model.leases",
		metric.WithDescription("Active leases on the model"))
	if gErr == nil && iErr == nil && lErr == nil {
		_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
			snap := c.Snapshot()
			var loaded int64
			if snap.State == StateReady {
				loaded = 1
			}
			obs.ObserveInt64(loadedGauge, loaded)
			obs.ObserveFloat64(idleGauge, snap.IdleSeconds)
			obs.ObserveInt64(leaseGauge, int64(snap.RefCount))
			return nil
		}, loadedGauge, idleGauge, leaseGauge)
		if err != nil {
			c.log.Warn("failed to register model gauges")
		}
	}
	return m
}

func (m *metrics) loaded(elapsed time.Duration) {
	if m.loads == nil {
		return
	}
	ctx := context.Background()
	m.loads.Add(ctx, 1)
	if m.loadSeconds != nil {
		m.loadSeconds.Record(ctx, elapsed.Seconds())
	}
}

func (m *metrics) loadFailed() {
	if m.loadFailures == nil {
		return
	}
	m.loadFailures.Add(context.Background(), 1)
}

func (m *metrics) evicted(reason string) {
	if m.evictions == nil {
		return
	}
	m.evictions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) deferred() {
	if m.deferrals == nil {
		return
	}
	m.deferrals.Add(context.Background(), 1)
}
