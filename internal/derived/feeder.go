package derived

import (
	"context"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// SensorSource lists live sensors and looks up lagged input values,
// narrowed from *rowstore.Store so the feeder is testable without
// Postgres.
type SensorSource interface {
	LiveSensors(ctx context.Context) ([]models.Sensor, error)
	LatestValueAtOrBefore(ctx context.Context, sensorID string, at time.Time) (models.MetricRow, bool, error)
}

// Enqueuer is the slice of *ingest.Pipeline the feeder writes synthetic
// readings into.
type Enqueuer interface {
	Enqueue(m models.IncomingMetric) error
}

// sourceDerived marks a synthetic metric's provenance for operators
// reading IncomingMetric.Source in logs or the ack path (derived metrics
// never carry a stream_id/seq so they never reach the ack manager).
const sourceDerived = "derived"

// Feeder is the §4.H poll loop: on each tick it recompiles any sensor
// whose config marks it derived, samples its inputs (applying each
// input's lag_seconds), evaluates the expression, and enqueues the
// result as a regular metric for the sensor's own sensor_id. Grounded
// on alarms.Engine's ticker-loop shape.
type Feeder struct {
	source       SensorSource
	pipeline     Enqueuer
	pollInterval time.Duration
	log          logging.Logger

	evalCounter  metrics.Counter
	errorCounter metrics.Counter
}

// NewFeeder constructs a Feeder. pollInterval should already reflect
// config.DerivedConfig's default.
func NewFeeder(source SensorSource, pipeline Enqueuer, pollInterval time.Duration, log logging.Logger, mp metrics.Provider) *Feeder {
	return &Feeder{
		source:       source,
		pipeline:     pipeline,
		pollInterval: pollInterval,
		log:          log,
		evalCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "derived", Name: "evaluations_total", Help: "derived sensor expressions evaluated",
		}}),
		errorCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "derived", Name: "errors_total", Help: "derived sensors that failed to parse, compile, or evaluate",
		}}),
	}
}

// Run ticks the feeder until ctx is canceled.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Tick(ctx, time.Now()); err != nil {
				f.log.ErrorCtx(ctx, "derived sensor tick failed", "error", err.Error())
			}
		}
	}
}

// Tick evaluates every derived sensor once, as of now.
func (f *Feeder) Tick(ctx context.Context, now time.Time) error {
	sensors, err := f.source.LiveSensors(ctx)
	if err != nil {
		return err
	}
	for _, sensor := range sensors {
		spec, err := ParseSpec(sensor.Config)
		if err != nil {
			f.errorCounter.Inc(1)
			f.log.WarnCtx(ctx, "derived sensor spec invalid", "sensor_id", sensor.SensorID, "error", err.Error())
			continue
		}
		if spec == nil {
			continue
		}
		f.evalOne(ctx, sensor, *spec, now)
	}
	return nil
}

func (f *Feeder) evalOne(ctx context.Context, sensor models.Sensor, spec Spec, now time.Time) {
	compiled, err := Compile(spec)
	if err != nil {
		f.errorCounter.Inc(1)
		f.log.WarnCtx(ctx, "derived sensor failed to compile", "sensor_id", sensor.SensorID, "error", err.Error())
		return
	}

	vars := make(map[string]float64, len(compiled.Inputs()))
	var latestInputTs time.Time
	for _, in := range compiled.Inputs() {
		at := now.Add(-time.Duration(in.LagSeconds) * time.Second)
		row, ok, err := f.source.LatestValueAtOrBefore(ctx, in.SensorID, at)
		if err != nil {
			f.errorCounter.Inc(1)
			f.log.WarnCtx(ctx, "derived sensor input lookup failed", "sensor_id", sensor.SensorID, "input_sensor_id", in.SensorID, "error", err.Error())
			return
		}
		if !ok {
			// No sample yet for this input; skip this tick rather than
			// evaluate against a missing value.
			return
		}
		vars[in.Var] = row.Value
		if row.Ts.After(latestInputTs) {
			latestInputTs = row.Ts
		}
	}

	value, err := compiled.EvalWithVars(vars)
	f.evalCounter.Inc(1)
	if err != nil {
		f.errorCounter.Inc(1)
		f.log.WarnCtx(ctx, "derived sensor evaluation failed", "sensor_id", sensor.SensorID, "error", err.Error())
		return
	}

	ts := now
	if !latestInputTs.IsZero() {
		ts = latestInputTs
	}
	if err := f.pipeline.Enqueue(models.IncomingMetric{
		SensorID: sensor.SensorID,
		Ts:       ts,
		Value:    value,
		Quality:  0,
		Source:   sourceDerived,
	}); err != nil {
		f.log.WarnCtx(ctx, "derived sensor enqueue failed", "sensor_id", sensor.SensorID, "error", err.Error())
	}
}
