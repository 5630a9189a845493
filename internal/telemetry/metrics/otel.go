package metrics

// OpenTelemetry-backed Provider, adapted from the teacher's
// engine/telemetry/metrics/otel_provider.go: gauges simulate Set semantics
// via an UpDownCounter delta, same as the teacher, rebased onto farmtel's
// Timer.Stop contract instead of ObserveDuration.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures NewOTelProvider.
type OTelProviderOptions struct {
	ServiceName      string
	CardinalityLimit int // 0 => default 100
}

// NewOTelProvider returns a Provider backed by an OTEL MeterProvider. The
// returned *sdkmetric.MeterProvider is reachable via OTelProvider.MeterProvider
// for callers that want to attach exporters.
func NewOTelProvider(opts OTelProviderOptions) *OTelProvider {
	mp := sdkmetric.NewMeterProvider()
	meter := mp.Meter("farmtel")
	limit := opts.CardinalityLimit
	if limit <= 0 {
		limit = 100
	}
	warnCtr, _ := meter.Float64Counter(
		"farmtel.internal.cardinality_exceeded.total",
		metric.WithDescription("count of metrics whose label cardinality exceeded limit"),
	)
	return &OTelProvider{
		mp:           mp,
		meter:        meter,
		cardLimit:    limit,
		cardinality:  make(map[string]map[string]struct{}),
		exceededOnce: make(map[string]struct{}),
		warnCounter:  warnCtr,
	}
}

type OTelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter

	mu          sync.Mutex
	cardinality map[string]map[string]struct{}
	cardLimit   int

	exceededOnce map[string]struct{}
	warnCounter  metric.Float64Counter
}

// MeterProvider exposes the underlying SDK provider for exporter wiring.
func (p *OTelProvider) MeterProvider() *sdkmetric.MeterProvider { return p.mp }

func (p *OTelProvider) NewCounter(opts CounterOpts) Counter {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Counter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels, provider: p, id: name}
}

func (p *OTelProvider) NewGauge(opts GaugeOpts) Gauge {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64UpDownCounter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels, provider: p, id: name}
}

func (p *OTelProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Histogram(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels, provider: p, id: name}
}

func (p *OTelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{h: hist, start: time.Now()} }
}

func buildOTelName(c CommonOpts) string {
	switch {
	case c.Namespace != "" && c.Subsystem != "":
		return c.Namespace + "." + c.Subsystem + "." + c.Name
	case c.Namespace != "":
		return c.Namespace + "." + c.Name
	case c.Subsystem != "":
		return c.Subsystem + "." + c.Name
	default:
		return c.Name
	}
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
	provider  *OTelProvider
	id        string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.provider.cardinalityTrack(c.id, labels)
	ctx := context.Background()
	if len(c.labelKeys) == 0 || len(labels) == 0 {
		c.c.Add(ctx, delta)
		return
	}
	c.c.Add(ctx, delta, metric.WithAttributes(toAttributes(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	value     atomic.Value
	mu        sync.Mutex
	labelKeys []string
	provider  *OTelProvider
	id        string
}

func (g *otelGauge) Set(v float64, labels ...string) {
	g.mu.Lock()
	prev, _ := g.value.Load().(float64)
	diff := v - prev
	g.value.Store(v)
	g.mu.Unlock()
	if diff == 0 {
		return
	}
	g.provider.cardinalityTrack(g.id, labels)
	ctx := context.Background()
	if len(g.labelKeys) == 0 || len(labels) == 0 {
		g.g.Add(ctx, diff)
		return
	}
	g.g.Add(ctx, diff, metric.WithAttributes(toAttributes(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
	provider  *OTelProvider
	id        string
}

func (h *otelHistogram) Observe(value float64, labels ...string) {
	h.provider.cardinalityTrack(h.id, labels)
	ctx := context.Background()
	if len(h.labelKeys) == 0 || len(labels) == 0 {
		h.h.Record(ctx, value)
		return
	}
	h.h.Record(ctx, value, metric.WithAttributes(toAttributes(h.labelKeys, labels)...))
}

type otelTimer struct {
	h     Histogram
	start time.Time
}

func (t *otelTimer) Stop(labels ...string) time.Duration {
	d := time.Since(t.start)
	t.h.Observe(d.Seconds(), labels...)
	return d
}

func toAttributes(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	if n == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

func (p *OTelProvider) cardinalityTrack(id string, labelValues []string) {
	if p.cardLimit <= 0 || len(labelValues) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.cardinality[id]
	if set == nil {
		set = make(map[string]struct{})
		p.cardinality[id] = set
	}
	key := fmt.Sprint(labelValues)
	if _, ok := set[key]; ok {
		return
	}
	set[key] = struct{}{}
	if len(set) <= p.cardLimit {
		return
	}
	if _, warned := p.exceededOnce[id]; warned {
		return
	}
	p.exceededOnce[id] = struct{}{}
	p.warnCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("metric", id)))
}
